// Package dockerfile provides Dockerfile parsing functionality.
package dockerfile

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ParserImpl implements the Parser interface.
type ParserImpl struct {
	lexer     *Lexer
	tokens    []*Token
	current   int
	buildArgs map[string]string
}

// New creates a new Dockerfile parser.
func New() Parser {
	return &ParserImpl{
		buildArgs: make(map[string]string),
	}
}

// Parse parses a Dockerfile from the given reader and returns an AST.
func (p *ParserImpl) Parse(reader io.Reader) (*AST, error) {
	lexer, err := NewLexer(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create lexer: %w", err)
	}

	p.lexer = lexer

	tokens, err := lexer.TokenizeAll()
	if err != nil {
		return nil, fmt.Errorf("lexical analysis failed: %w", err)
	}

	p.tokens = tokens
	p.current = 0

	ast, err := p.parseAST()
	if err != nil {
		return nil, fmt.Errorf("parsing failed: %w", err)
	}

	return ast, nil
}

// ParseFile parses a Dockerfile from the specified file path.
func (p *ParserImpl) ParseFile(path string) (*AST, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	ast, err := p.Parse(file)
	if err != nil {
		return nil, err
	}

	if ast.Metadata != nil {
		ast.Metadata.Filename = path
	}

	return ast, nil
}

// ParseBytes parses a Dockerfile from byte content.
func (p *ParserImpl) ParseBytes(content []byte) (*AST, error) {
	return p.Parse(strings.NewReader(string(content)))
}

// Validate performs semantic validation on a Dockerfile AST: every
// instruction's own Validate plus the cross-instruction and
// format checks the build engine relies on (spec.md §4.7).
func (p *ParserImpl) Validate(ast *AST) error {
	if ast == nil {
		return fmt.Errorf("AST is nil")
	}
	if ast.Stage == nil || ast.Stage.From == nil {
		return fmt.Errorf("Dockerfile must contain a FROM instruction")
	}

	stage := ast.Stage
	if err := validateImageReference(stage.From.Image, stage.From.Tag, stage.From.Digest); err != nil {
		return fmt.Errorf("FROM instruction validation failed: %w", err)
	}

	for i, instr := range stage.Instructions {
		if err := instr.Validate(); err != nil {
			return fmt.Errorf("instruction %d validation failed: %w", i, err)
		}
		switch ins := instr.(type) {
		case *EnvInstruction:
			for k := range ins.Variables {
				if err := validateEnvironmentVariableName(k); err != nil {
					return err
				}
			}
		case *LabelInstruction:
			for k := range ins.Labels {
				if err := validateLabelKey(k); err != nil {
					return err
				}
			}
		case *UserInstruction:
			if err := validateUserFormat(ins.User); err != nil {
				return err
			}
		case *CopyInstruction:
			if ins.Chmod != "" {
				if err := validateChmodFormat(ins.Chmod); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// parseAST parses the token stream into an AST.
func (p *ParserImpl) parseAST() (*AST, error) {
	ast := &AST{
		Directives: []*Directive{},
		Comments:   []*Comment{},
		Metadata: &ParseMetadata{
			ParseTime:     time.Now(),
			ParserVersion: "1.0.0",
			Warnings:      []*ParseWarning{},
		},
	}

	for !p.isAtEnd() {
		token := p.peek()

		switch token.Type {
		case TokenDirective:
			directive, err := p.parseDirective(ast)
			if err != nil {
				return nil, err
			}
			ast.Directives = append(ast.Directives, directive)

		case TokenComment:
			comment, err := p.parseComment()
			if err != nil {
				return nil, err
			}
			ast.Comments = append(ast.Comments, comment)

		case TokenInstruction:
			if token.Value == "FROM" {
				if ast.Stage != nil {
					return nil, fmt.Errorf("multiple FROM instructions are not supported at line %d", token.Line)
				}
				fromInstr, err := p.parseFromInstruction()
				if err != nil {
					return nil, err
				}
				ast.Stage = &Stage{
					From:         fromInstr,
					Instructions: []Instruction{},
					Location:     fromInstr.Location,
				}
			} else {
				if ast.Stage == nil {
					return nil, fmt.Errorf("instruction %s found before FROM at line %d", token.Value, token.Line)
				}
				instruction, err := p.parseInstruction()
				if err != nil {
					return nil, fmt.Errorf("failed to parse instruction %s at line %d: %w", token.Value, token.Line, err)
				}
				ast.Stage.Instructions = append(ast.Stage.Instructions, instruction)
			}

		case TokenNewline:
			p.advance() // skip newlines

		case TokenEOF:
			break

		default:
			if token.Type == TokenArgument && (p.current == 0 || p.tokens[p.current-1].Type == TokenNewline) {
				return nil, fmt.Errorf("unknown instruction: %s at line %d", token.Value, token.Line)
			}
			return nil, fmt.Errorf("unexpected token %s at line %d", token.Type, token.Line)
		}
	}

	if ast.Stage == nil {
		return nil, fmt.Errorf("Dockerfile must contain a FROM instruction")
	}

	return ast, nil
}

// parseDirective parses a parser directive.
func (p *ParserImpl) parseDirective(ast *AST) (*Directive, error) {
	token := p.advance()

	// Parse directive format: # name=value
	parts := strings.SplitN(strings.TrimPrefix(token.Value, "#"), "=", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid directive format at line %d", token.Line)
	}

	name := strings.TrimSpace(parts[0])
	value := strings.TrimSpace(parts[1])

	directive := &Directive{
		Name:  name,
		Value: value,
		Location: &SourceLocation{
			Line:   token.Line,
			Column: token.Column,
		},
	}

	if name == "syntax" && ast.Metadata != nil {
		ast.Metadata.Syntax = value
	}
	// escape directives are already handled by the lexer

	return directive, nil
}

// parseComment parses a comment.
func (p *ParserImpl) parseComment() (*Comment, error) {
	token := p.advance()

	comment := &Comment{
		Text: strings.TrimPrefix(token.Value, "#"),
		Location: &SourceLocation{
			Line:   token.Line,
			Column: token.Column,
		},
	}

	return comment, nil
}

// parseInstruction parses a single instruction. The instruction set
// matches what Engine.apply (pkg/buildengine) knows how to execute;
// nothing here produces an AST node the build engine can't run.
func (p *ParserImpl) parseInstruction() (Instruction, error) {
	token := p.peek()

	switch token.Value {
	case "FROM":
		return p.parseFromInstruction()
	case "RUN":
		return p.parseRunInstruction()
	case "CMD":
		return p.parseCmdInstruction()
	case "COPY":
		return p.parseCopyInstruction()
	case "ENV":
		return p.parseEnvInstruction()
	case "ENTRYPOINT":
		return p.parseEntrypointInstruction()
	case "WORKDIR":
		return p.parseWorkdirInstruction()
	case "USER":
		return p.parseUserInstruction()
	case "EXPOSE":
		return p.parseExposeInstruction()
	case "LABEL":
		return p.parseLabelInstruction()
	case "ARG":
		return p.parseArgInstruction()
	default:
		return nil, fmt.Errorf("unknown instruction: %s at line %d", token.Value, token.Line)
	}
}

// parseFromInstruction parses a FROM instruction.
func (p *ParserImpl) parseFromInstruction() (*FromInstruction, error) {
	startToken := p.advance() // consume FROM

	instr := &FromInstruction{
		Location: &SourceLocation{
			Line:   startToken.Line,
			Column: startToken.Column,
		},
	}

	if p.peek().Type == TokenFlag {
		return nil, fmt.Errorf("unsupported flag %s for FROM instruction at line %d", p.peek().Value, p.peek().Line)
	}

	if p.peek().Type != TokenArgument && p.peek().Type != TokenString {
		return nil, fmt.Errorf("FROM instruction requires an image argument at line %d", p.peek().Line)
	}

	imageRef := p.advance()
	imageStr := p.expandBuildArgs(imageRef.Value)

	if err := p.parseImageReference(imageStr, instr); err != nil {
		return nil, fmt.Errorf("invalid image reference '%s' at line %d: %w", imageStr, imageRef.Line, err)
	}

	if p.peek().Type == TokenArgument && strings.ToUpper(p.peek().Value) == "AS" {
		return nil, fmt.Errorf("FROM ... AS aliasing is not supported at line %d", p.peek().Line)
	}

	return instr, nil
}

// parseRunInstruction parses a RUN instruction.
func (p *ParserImpl) parseRunInstruction() (*RunInstruction, error) {
	startToken := p.advance() // consume RUN

	instr := &RunInstruction{
		Location: &SourceLocation{
			Line:   startToken.Line,
			Column: startToken.Column,
		},
	}

	if p.peek().Type == TokenFlag {
		return nil, fmt.Errorf("unsupported RUN flag %s at line %d: RUN executes inside a transient box, not a shared builder", p.peek().Value, p.peek().Line)
	}

	commands, shell, err := p.parseCommand()
	if err != nil {
		return nil, err
	}

	instr.Commands = commands
	instr.Shell = shell

	return instr, nil
}

// parseCmdInstruction parses a CMD instruction.
func (p *ParserImpl) parseCmdInstruction() (*CmdInstruction, error) {
	startToken := p.advance() // consume CMD

	instr := &CmdInstruction{
		Location: &SourceLocation{
			Line:   startToken.Line,
			Column: startToken.Column,
		},
	}

	commands, shell, err := p.parseCommand()
	if err != nil {
		return nil, err
	}

	instr.Commands = commands
	instr.Shell = shell

	return instr, nil
}

// parseCopyInstruction parses a COPY instruction.
func (p *ParserImpl) parseCopyInstruction() (*CopyInstruction, error) {
	startToken := p.advance() // consume COPY

	instr := &CopyInstruction{
		Location: &SourceLocation{
			Line:   startToken.Line,
			Column: startToken.Column,
		},
	}

	for p.peek().Type == TokenFlag {
		flag := p.advance()
		if err := p.parseCopyFlag(flag.Value, instr); err != nil {
			return nil, err
		}
	}

	sources, dest, err := p.parseSourcesAndDest()
	if err != nil {
		return nil, err
	}

	instr.Sources = sources
	instr.Destination = dest

	return instr, nil
}

// parseEnvInstruction parses an ENV instruction.
func (p *ParserImpl) parseEnvInstruction() (*EnvInstruction, error) {
	startToken := p.advance() // consume ENV

	instr := &EnvInstruction{
		Variables: make(map[string]string),
		Location: &SourceLocation{
			Line:   startToken.Line,
			Column: startToken.Column,
		},
	}

	for !p.isAtEnd() && p.peek().Type != TokenNewline && p.peek().Type != TokenInstruction {
		token := p.peek()
		switch token.Type {
		case TokenLineContinuation:
			p.advance()
			continue
		case TokenArgument, TokenString:
			arg := p.advance()

			if strings.Contains(arg.Value, "=") {
				parts := strings.SplitN(arg.Value, "=", 2)
				key := parts[0]
				value := p.expandBuildArgs(parts[1])
				instr.Variables[key] = value
			} else {
				key := arg.Value
				if p.peek().Type == TokenArgument || p.peek().Type == TokenString {
					valueToken := p.advance()
					value := p.expandBuildArgs(valueToken.Value)
					instr.Variables[key] = value
				} else {
					return nil, fmt.Errorf("ENV instruction requires a value for key '%s' at line %d", key, token.Line)
				}
			}
		default:
			break
		}
	}

	return instr, nil
}

// parseCommand parses a command (for RUN, CMD, ENTRYPOINT).
func (p *ParserImpl) parseCommand() ([]string, bool, error) {
	var commands []string
	shell := true

	if p.peek().Type == TokenArgument && strings.HasPrefix(p.peek().Value, "[") {
		// JSON array format
		shell = false
		jsonStr := p.advance().Value

		jsonStr = strings.Trim(jsonStr, "[]")
		if jsonStr != "" {
			parts := strings.Split(jsonStr, ",")
			for _, part := range parts {
				part = strings.Trim(part, `"' `)
				if part != "" {
					commands = append(commands, p.expandBuildArgs(part))
				}
			}
		}
	} else {
		// Shell format - collect all remaining arguments
		for !p.isAtEnd() && p.peek().Type != TokenNewline && p.peek().Type != TokenInstruction {
			token := p.peek()
			switch token.Type {
			case TokenArgument, TokenString:
				arg := p.advance()
				commands = append(commands, p.expandBuildArgs(arg.Value))
			case TokenFlag:
				// Flags here belong to the shell command, not the instruction
				arg := p.advance()
				commands = append(commands, p.expandBuildArgs(arg.Value))
			case TokenLineContinuation:
				p.advance()
			default:
				break
			}
		}
	}

	return commands, shell, nil
}

// parseSourcesAndDest parses sources and destination for COPY.
func (p *ParserImpl) parseSourcesAndDest() ([]string, string, error) {
	var sources []string
	var dest string

	var args []string
	for !p.isAtEnd() && p.peek().Type != TokenNewline && p.peek().Type != TokenInstruction {
		token := p.peek()
		if token.Type != TokenArgument && token.Type != TokenString {
			break
		}
		arg := p.advance()
		args = append(args, p.expandBuildArgs(arg.Value))
	}

	if len(args) < 2 {
		return nil, "", fmt.Errorf("COPY instruction requires at least 2 arguments")
	}

	dest = args[len(args)-1]
	sources = args[:len(args)-1]

	return sources, dest, nil
}

func (p *ParserImpl) parseEntrypointInstruction() (*EntrypointInstruction, error) {
	startToken := p.advance()

	instr := &EntrypointInstruction{
		Location: &SourceLocation{
			Line:   startToken.Line,
			Column: startToken.Column,
		},
	}

	commands, shell, err := p.parseCommand()
	if err != nil {
		return nil, err
	}

	instr.Commands = commands
	instr.Shell = shell

	return instr, nil
}

func (p *ParserImpl) parseWorkdirInstruction() (*WorkdirInstruction, error) {
	startToken := p.advance()

	if p.peek().Type != TokenArgument && p.peek().Type != TokenString {
		return nil, fmt.Errorf("WORKDIR instruction requires a path argument at line %d", p.peek().Line)
	}

	pathToken := p.advance()

	return &WorkdirInstruction{
		Path: p.expandBuildArgs(pathToken.Value),
		Location: &SourceLocation{
			Line:   startToken.Line,
			Column: startToken.Column,
		},
	}, nil
}

func (p *ParserImpl) parseUserInstruction() (*UserInstruction, error) {
	startToken := p.advance()

	if p.peek().Type != TokenArgument && p.peek().Type != TokenString {
		return nil, fmt.Errorf("USER instruction requires a user argument at line %d", p.peek().Line)
	}

	userToken := p.advance()
	userStr := userToken.Value

	instr := &UserInstruction{
		Location: &SourceLocation{
			Line:   startToken.Line,
			Column: startToken.Column,
		},
	}

	if strings.Contains(userStr, ":") {
		parts := strings.SplitN(userStr, ":", 2)
		instr.User = p.expandBuildArgs(parts[0])
		instr.Group = p.expandBuildArgs(parts[1])
	} else {
		instr.User = p.expandBuildArgs(userStr)
	}

	return instr, nil
}

func (p *ParserImpl) parseExposeInstruction() (*ExposeInstruction, error) {
	startToken := p.advance()

	instr := &ExposeInstruction{
		Location: &SourceLocation{
			Line:   startToken.Line,
			Column: startToken.Column,
		},
	}

	for !p.isAtEnd() && p.peek().Type != TokenNewline && p.peek().Type != TokenInstruction {
		token := p.peek()
		switch token.Type {
		case TokenLineContinuation:
			p.advance()
			continue
		case TokenArgument, TokenString:
			portToken := p.advance()
			instr.Ports = append(instr.Ports, p.expandBuildArgs(portToken.Value))
		default:
			break
		}
	}

	return instr, nil
}

func (p *ParserImpl) parseLabelInstruction() (*LabelInstruction, error) {
	startToken := p.advance()

	instr := &LabelInstruction{
		Labels: make(map[string]string),
		Location: &SourceLocation{
			Line:   startToken.Line,
			Column: startToken.Column,
		},
	}

	for !p.isAtEnd() && p.peek().Type != TokenNewline && p.peek().Type != TokenInstruction {
		token := p.peek()
		switch token.Type {
		case TokenLineContinuation:
			p.advance()
			continue
		case TokenArgument, TokenString:
			arg := p.advance()

			if strings.Contains(arg.Value, "=") {
				parts := strings.SplitN(arg.Value, "=", 2)
				key := parts[0]
				value := p.expandBuildArgs(parts[1])
				instr.Labels[key] = value
			} else {
				key := arg.Value
				if p.peek().Type == TokenArgument || p.peek().Type == TokenString {
					valueToken := p.advance()
					value := p.expandBuildArgs(valueToken.Value)
					instr.Labels[key] = value
				} else {
					return nil, fmt.Errorf("LABEL instruction requires a value for key '%s' at line %d", key, token.Line)
				}
			}
		default:
			break
		}
	}

	return instr, nil
}

func (p *ParserImpl) parseArgInstruction() (*ArgInstruction, error) {
	startToken := p.advance()

	if p.peek().Type != TokenArgument && p.peek().Type != TokenString {
		return nil, fmt.Errorf("ARG instruction requires an argument at line %d", p.peek().Line)
	}

	argToken := p.advance()
	argStr := argToken.Value

	instr := &ArgInstruction{
		Location: &SourceLocation{
			Line:   startToken.Line,
			Column: startToken.Column,
		},
	}

	if strings.Contains(argStr, "=") {
		parts := strings.SplitN(argStr, "=", 2)
		instr.Name = parts[0]
		instr.DefaultValue = p.expandBuildArgs(parts[1])
	} else {
		instr.Name = argStr
	}

	if instr.DefaultValue != "" {
		p.buildArgs[instr.Name] = instr.DefaultValue
	}

	return instr, nil
}

// parseCopyFlag parses COPY's one supported flag; any other flag is an error.
func (p *ParserImpl) parseCopyFlag(flagStr string, instr *CopyInstruction) error {
	flagStr = strings.TrimPrefix(flagStr, "--")
	parts := strings.SplitN(flagStr, "=", 2)
	flagName := parts[0]
	var flagValue string
	if len(parts) > 1 {
		flagValue = parts[1]
	}

	switch flagName {
	case "chmod":
		instr.Chmod = flagValue
	case "from":
		return fmt.Errorf("COPY --from is not supported: multi-stage builds are not supported")
	case "chown":
		return fmt.Errorf("COPY --chown is not supported: this runtime does not resolve user/group ownership at build time")
	default:
		return fmt.Errorf("unknown flag for COPY instruction: %s", flagName)
	}

	return nil
}

// parseImageReference parses registry/namespace/repository:tag@digest. The
// tag is the final colon-delimited segment of imageWithTag, but only when
// that segment contains no "/" — a colon before the last "/" is a registry
// host:port, not a tag separator, so "host:5000/name" has no tag while
// "host:5000/name:20.04" does.
func (p *ParserImpl) parseImageReference(imageRef string, instr *FromInstruction) error {
	parts := strings.Split(imageRef, "@")
	var imageWithTag, digest string

	if len(parts) == 2 {
		imageWithTag = parts[0]
		digest = parts[1]
		instr.Digest = digest
	} else {
		imageWithTag = imageRef
	}

	imageName := imageWithTag
	var tag string
	if idx := strings.LastIndex(imageWithTag, ":"); idx != -1 {
		candidate := imageWithTag[idx+1:]
		if !strings.Contains(candidate, "/") {
			imageName = imageWithTag[:idx]
			tag = candidate
		}
	}

	instr.Image = imageName
	instr.Tag = tag

	return nil
}

func (p *ParserImpl) peek() *Token {
	if p.current >= len(p.tokens) {
		return &Token{Type: TokenEOF}
	}
	return p.tokens[p.current]
}

func (p *ParserImpl) advance() *Token {
	if !p.isAtEnd() {
		p.current++
	}
	return p.previous()
}

func (p *ParserImpl) previous() *Token {
	if p.current > 0 {
		return p.tokens[p.current-1]
	}
	return &Token{Type: TokenEOF}
}

func (p *ParserImpl) isAtEnd() bool {
	return p.current >= len(p.tokens) || (p.current < len(p.tokens) && p.tokens[p.current].Type == TokenEOF)
}

// expandBuildArgs expands build arguments in a string.
func (p *ParserImpl) expandBuildArgs(value string) string {
	return expandArgs(value, p.buildArgs)
}
