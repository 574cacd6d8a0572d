// Package dockerfile provides format validation for AST field values that
// the lexer and parser accept syntactically but don't otherwise constrain.
package dockerfile

import (
	"fmt"
	"regexp"
	"strings"
)

// validateImageReference validates a FROM instruction's image/tag/digest.
func validateImageReference(image, tag, digest string) error {
	if image == "" {
		return fmt.Errorf("image name cannot be empty")
	}

	imagePattern := regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*$`)
	if !imagePattern.MatchString(strings.ToLower(image)) {
		return fmt.Errorf("invalid image name format")
	}

	if tag != "" {
		tagPattern := regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
		if !tagPattern.MatchString(tag) || len(tag) > 128 {
			return fmt.Errorf("invalid tag format")
		}
	}

	if digest != "" {
		digestPattern := regexp.MustCompile(`^[a-z0-9]+:[a-f0-9]{64}$`)
		if !digestPattern.MatchString(digest) {
			return fmt.Errorf("invalid digest format")
		}
	}

	return nil
}

// validateChmodFormat validates COPY --chmod's octal mode.
func validateChmodFormat(chmod string) error {
	chmodPattern := regexp.MustCompile(`^0?[0-7]{3,4}$`)
	if !chmodPattern.MatchString(chmod) {
		return fmt.Errorf("chmod must be in octal format (e.g., 755, 0644)")
	}
	return nil
}

// validateEnvironmentVariableName validates an ENV/ARG variable name.
func validateEnvironmentVariableName(name string) error {
	if name == "" {
		return fmt.Errorf("environment variable name cannot be empty")
	}

	envPattern := regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	if !envPattern.MatchString(name) {
		return fmt.Errorf("invalid environment variable name format")
	}

	return nil
}

// validateUserFormat validates a USER instruction's user or group part
// (name or numeric ID).
func validateUserFormat(user string) error {
	if user == "" {
		return fmt.Errorf("user cannot be empty")
	}

	numericPattern := regexp.MustCompile(`^\d+$`)
	namePattern := regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)

	if !numericPattern.MatchString(user) && !namePattern.MatchString(user) {
		return fmt.Errorf("user must be numeric ID or valid username")
	}

	return nil
}

// validateLabelKey validates an OCI label key.
func validateLabelKey(key string) error {
	if key == "" {
		return fmt.Errorf("label key cannot be empty")
	}

	if strings.Contains(key, ".") {
		dnsPattern := regexp.MustCompile(`^[a-z0-9]+([.-][a-z0-9]+)*$`)
		if !dnsPattern.MatchString(key) {
			return fmt.Errorf("namespaced label key must follow reverse DNS notation")
		}
	} else {
		namePattern := regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
		if !namePattern.MatchString(key) {
			return fmt.Errorf("invalid label key format")
		}
	}

	return nil
}
