package dockerfile

import (
	"strings"
	"testing"
)

func TestParserBasicFunctionality(t *testing.T) {
	tests := []struct {
		name        string
		dockerfile  string
		expectError bool
	}{
		{
			name: "simple dockerfile",
			dockerfile: `FROM ubuntu:20.04
RUN apt-get update
COPY . /app
WORKDIR /app
CMD ["./app"]`,
			expectError: false,
		},
		{
			name: "dockerfile with comments and directives",
			dockerfile: `# syntax=docker/dockerfile:1.4
# This is a comment
FROM ubuntu:20.04
# Another comment
RUN echo "hello world"`,
			expectError: false,
		},
		{
			name:        "empty dockerfile",
			dockerfile:  "",
			expectError: true,
		},
		{
			name:        "dockerfile without FROM",
			dockerfile:  `RUN echo "no from"`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := New()
			ast, err := parser.Parse(strings.NewReader(tt.dockerfile))

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if ast.Stage == nil {
				t.Fatal("expected a stage")
			}

			if err := parser.Validate(ast); err != nil {
				t.Errorf("AST validation failed: %v", err)
			}
		})
	}
}

func TestFromInstructionParsing(t *testing.T) {
	tests := []struct {
		name        string
		instruction string
		expectedImg string
		expectedTag string
		expectError bool
	}{
		{
			name:        "simple image",
			instruction: "FROM ubuntu",
			expectedImg: "ubuntu",
			expectedTag: "",
			expectError: false,
		},
		{
			name:        "image with tag",
			instruction: "FROM ubuntu:20.04",
			expectedImg: "ubuntu",
			expectedTag: "20.04",
			expectError: false,
		},
		{
			name:        "registry with namespace",
			instruction: "FROM docker.io/library/ubuntu:20.04",
			expectedImg: "docker.io/library/ubuntu",
			expectedTag: "20.04",
			expectError: false,
		},
		{
			name:        "image with AS is rejected",
			instruction: "FROM golang:1.19 AS builder",
			expectError: true,
		},
		{
			name:        "image with platform flag is rejected",
			instruction: "FROM --platform=linux/amd64 ubuntu:20.04",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dockerfile := tt.instruction
			parser := New()
			ast, err := parser.Parse(strings.NewReader(dockerfile))

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if ast.Stage == nil {
				t.Fatal("expected a stage")
			}

			from := ast.Stage.From
			if from.Image != tt.expectedImg {
				t.Errorf("expected image %q, got %q", tt.expectedImg, from.Image)
			}
			if from.Tag != tt.expectedTag {
				t.Errorf("expected tag %q, got %q", tt.expectedTag, from.Tag)
			}
		})
	}
}

func TestRunInstructionParsing(t *testing.T) {
	tests := []struct {
		name          string
		dockerfile    string
		expectedCmds  []string
		expectedShell bool
		expectError   bool
	}{
		{
			name: "shell form",
			dockerfile: `FROM ubuntu
RUN apt-get update && apt-get install -y curl`,
			expectedCmds:  []string{"apt-get", "update", "&&", "apt-get", "install", "-y", "curl"},
			expectedShell: true,
			expectError:   false,
		},
		{
			name: "exec form",
			dockerfile: `FROM ubuntu
RUN ["apt-get", "update"]`,
			expectedCmds:  []string{"apt-get", "update"},
			expectedShell: false,
			expectError:   false,
		},
		{
			name: "mount flag is rejected",
			dockerfile: `FROM ubuntu
RUN --mount=type=cache,target=/var/cache/apt apt-get update`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := New()
			ast, err := parser.Parse(strings.NewReader(tt.dockerfile))

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if ast.Stage == nil || len(ast.Stage.Instructions) == 0 {
				t.Errorf("expected a stage with instructions")
				return
			}

			runInstr, ok := ast.Stage.Instructions[0].(*RunInstruction)
			if !ok {
				t.Errorf("expected RUN instruction, got %T", ast.Stage.Instructions[0])
				return
			}

			if runInstr.Shell != tt.expectedShell {
				t.Errorf("expected shell=%v, got %v", tt.expectedShell, runInstr.Shell)
			}

			if len(runInstr.Commands) != len(tt.expectedCmds) {
				t.Errorf("expected %d commands, got %d", len(tt.expectedCmds), len(runInstr.Commands))
				return
			}

			for i, cmd := range tt.expectedCmds {
				if runInstr.Commands[i] != cmd {
					t.Errorf("expected command[%d] %q, got %q", i, cmd, runInstr.Commands[i])
				}
			}
		})
	}
}

func TestCopyInstructionParsing(t *testing.T) {
	tests := []struct {
		name          string
		dockerfile    string
		expectedSrcs  []string
		expectedDest  string
		expectedChmod string
		expectError   bool
	}{
		{
			name: "simple copy",
			dockerfile: `FROM ubuntu
COPY . /app`,
			expectedSrcs: []string{"."},
			expectedDest: "/app",
			expectError:  false,
		},
		{
			name: "multiple sources",
			dockerfile: `FROM ubuntu
COPY file1.txt file2.txt /app/`,
			expectedSrcs: []string{"file1.txt", "file2.txt"},
			expectedDest: "/app/",
			expectError:  false,
		},
		{
			name: "copy with chmod",
			dockerfile: `FROM ubuntu
COPY --chmod=755 entrypoint.sh /usr/local/bin/entrypoint.sh`,
			expectedSrcs:  []string{"entrypoint.sh"},
			expectedDest:  "/usr/local/bin/entrypoint.sh",
			expectedChmod: "755",
			expectError:   false,
		},
		{
			name: "copy with from is rejected",
			dockerfile: `FROM ubuntu
COPY --from=builder /src/app /usr/local/bin/app`,
			expectError: true,
		},
		{
			name: "copy with chown is rejected",
			dockerfile: `FROM ubuntu
COPY --chown=nginx:nginx nginx.conf /etc/nginx/nginx.conf`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := New()
			ast, err := parser.Parse(strings.NewReader(tt.dockerfile))

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if ast.Stage == nil || len(ast.Stage.Instructions) == 0 {
				t.Errorf("expected a stage with instructions")
				return
			}

			copyInstr, ok := ast.Stage.Instructions[0].(*CopyInstruction)
			if !ok {
				t.Errorf("expected COPY instruction, got %T", ast.Stage.Instructions[0])
				return
			}

			if len(copyInstr.Sources) != len(tt.expectedSrcs) {
				t.Errorf("expected %d sources, got %d", len(tt.expectedSrcs), len(copyInstr.Sources))
				return
			}

			for i, src := range tt.expectedSrcs {
				if copyInstr.Sources[i] != src {
					t.Errorf("expected source[%d] %q, got %q", i, src, copyInstr.Sources[i])
				}
			}

			if copyInstr.Destination != tt.expectedDest {
				t.Errorf("expected destination %q, got %q", tt.expectedDest, copyInstr.Destination)
			}

			if copyInstr.Chmod != tt.expectedChmod {
				t.Errorf("expected chmod %q, got %q", tt.expectedChmod, copyInstr.Chmod)
			}
		})
	}
}

func TestEnvInstructionParsing(t *testing.T) {
	tests := []struct {
		name         string
		dockerfile   string
		expectedVars map[string]string
		expectError  bool
	}{
		{
			name: "single env var equals format",
			dockerfile: `FROM ubuntu
ENV PATH=/usr/local/bin:$PATH`,
			expectedVars: map[string]string{"PATH": "/usr/local/bin:$PATH"},
			expectError:  false,
		},
		{
			name: "single env var space format",
			dockerfile: `FROM ubuntu
ENV NODE_VERSION 16.14.0`,
			expectedVars: map[string]string{"NODE_VERSION": "16.14.0"},
			expectError:  false,
		},
		{
			name: "multiple env vars",
			dockerfile: `FROM ubuntu
ENV NODE_VERSION=16.14.0 NPM_VERSION=8.3.1`,
			expectedVars: map[string]string{
				"NODE_VERSION": "16.14.0",
				"NPM_VERSION":  "8.3.1",
			},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := New()
			ast, err := parser.Parse(strings.NewReader(tt.dockerfile))

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if ast.Stage == nil || len(ast.Stage.Instructions) == 0 {
				t.Errorf("expected a stage with instructions")
				return
			}

			envInstr, ok := ast.Stage.Instructions[0].(*EnvInstruction)
			if !ok {
				t.Errorf("expected ENV instruction, got %T", ast.Stage.Instructions[0])
				return
			}

			if len(envInstr.Variables) != len(tt.expectedVars) {
				t.Errorf("expected %d variables, got %d", len(tt.expectedVars), len(envInstr.Variables))
				return
			}

			for key, expectedValue := range tt.expectedVars {
				if actualValue, exists := envInstr.Variables[key]; !exists {
					t.Errorf("expected variable %q not found", key)
				} else if actualValue != expectedValue {
					t.Errorf("expected variable %q value %q, got %q", key, expectedValue, actualValue)
				}
			}
		})
	}
}

func TestSecondFromInstructionRejected(t *testing.T) {
	dockerfile := `FROM golang:1.19
WORKDIR /src
COPY . .
RUN go build -o app

FROM alpine:3.16
COPY app /usr/local/bin/app`

	parser := New()
	_, err := parser.Parse(strings.NewReader(dockerfile))
	if err == nil {
		t.Fatal("expected error for a second FROM instruction")
	}
	if !strings.Contains(err.Error(), "multiple FROM instructions are not supported") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCommentsAndDirectives(t *testing.T) {
	dockerfile := `# syntax=docker/dockerfile:1.4
# This is a comment
FROM ubuntu:20.04
# Another comment
RUN echo "test"`

	parser := New()
	ast, err := parser.Parse(strings.NewReader(dockerfile))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Check directives
	if len(ast.Directives) != 1 {
		t.Errorf("expected 1 directive, got %d", len(ast.Directives))
	} else {
		if ast.Directives[0].Name != "syntax" {
			t.Errorf("expected directive name 'syntax', got %q", ast.Directives[0].Name)
		}
		if ast.Directives[0].Value != "docker/dockerfile:1.4" {
			t.Errorf("expected directive value 'docker/dockerfile:1.4', got %q", ast.Directives[0].Value)
		}
	}

	// Check comments
	if len(ast.Comments) != 2 {
		t.Errorf("expected 2 comments, got %d", len(ast.Comments))
	}
}

func TestArgExpansion(t *testing.T) {
	dockerfile := `FROM ubuntu:20.04
ARG VERSION=latest
ARG PORT=8080
ENV APP_VERSION=${VERSION}
ENV APP_PORT=$PORT
EXPOSE ${PORT}`

	parser := New()
	ast, err := parser.Parse(strings.NewReader(dockerfile))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Find ENV instructions and check expansion
	var envInstr *EnvInstruction
	for _, instr := range ast.Stage.Instructions {
		if env, ok := instr.(*EnvInstruction); ok {
			envInstr = env
			break
		}
	}

	if envInstr == nil {
		t.Fatal("expected ENV instruction")
	}

	// Note: actual expansion depends on implementation details
	// This test verifies the structure is parsed correctly
	if len(envInstr.Variables) == 0 {
		t.Error("expected environment variables to be parsed")
	}
}

func TestErrorCases(t *testing.T) {
	tests := []struct {
		name       string
		dockerfile string
		expectErr  string
	}{
		{
			name:       "missing FROM",
			dockerfile: "RUN echo test",
			expectErr:  "instruction RUN found before FROM",
		},
		{
			name:       "invalid instruction",
			dockerfile: "FROM ubuntu\nINVALID_INSTRUCTION test",
			expectErr:  "unknown instruction",
		},
		{
			name:       "second FROM",
			dockerfile: "FROM ubuntu\nFROM alpine",
			expectErr:  "multiple FROM instructions are not supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := New()
			ast, err := parser.Parse(strings.NewReader(tt.dockerfile))

			if err == nil {
				// Try validation if parsing succeeded
				if ast != nil {
					err = parser.Validate(ast)
				}
			}

			if err == nil {
				t.Errorf("expected error containing %q but got none", tt.expectErr)
				return
			}

			if !strings.Contains(err.Error(), tt.expectErr) {
				t.Errorf("expected error containing %q, got %q", tt.expectErr, err.Error())
			}
		})
	}
}

func TestComplexDockerfile(t *testing.T) {
	dockerfile := `# syntax=docker/dockerfile:1.4
FROM node:16-alpine

# Install dependencies
WORKDIR /app
COPY package*.json ./
RUN npm ci --only=production
COPY . .
RUN npm run build

# Metadata
LABEL maintainer="test@example.com"
LABEL version="1.0.0"
EXPOSE 80
USER nginx

CMD ["node", "server.js"]`

	parser := New()
	ast, err := parser.Parse(strings.NewReader(dockerfile))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ast.Stage == nil {
		t.Fatal("expected a stage")
	}
	if ast.Stage.From.Image != "node" {
		t.Errorf("expected image 'node', got %q", ast.Stage.From.Image)
	}

	// Check directive
	if len(ast.Directives) != 1 || ast.Directives[0].Name != "syntax" {
		t.Error("expected syntax directive")
	}

	// Validate AST
	if err := parser.Validate(ast); err != nil {
		t.Errorf("AST validation failed: %v", err)
	}
}
