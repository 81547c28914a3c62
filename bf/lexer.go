package bf

import (
	"github.com/containerd/errdefs"
)

var (
	// ErrUnmatchedLoopClose is returned when a ']' has no opening '[' before it.
	ErrUnmatchedLoopClose = errdefs.ErrInvalidArgument.WithMessage("unexpected ']'")
	// ErrUnmatchedLoopOpen is returned when a '[' is never closed.
	ErrUnmatchedLoopOpen = errdefs.ErrInvalidArgument.WithMessage("unexpected '['")
)

// PreLex strips everything which is not one of the eight commands
func PreLex(input string) string {
	var result []rune
	for _, c := range input {
		if parse(c) != Ignore {
			result = append(result, c)
		}
	}
	return string(result)
}

type Command rune

const (
	Increment Command = '+'
	Decrement Command = '-'
	Left      Command = '<'
	Right     Command = '>'
	Output    Command = '.'
	Input     Command = ','
	LoopStart Command = '['
	LoopEnd   Command = ']'
	Ignore    Command = ' '
)

// Accumulation classes. Consecutive commands of the same (non-zero) class are
// batched by the interpreter.
type class uint8

const (
	classNone class = iota
	classMove
	classAdd
)

func (c Command) class() class {
	switch c {
	case Left, Right:
		return classMove
	case Increment, Decrement:
		return classAdd
	default:
		return classNone
	}
}

// delta is the signed contribution of a move or add command to its accumulator
func (c Command) delta() int {
	switch c {
	case Right, Increment:
		return 1
	case Left, Decrement:
		return -1
	default:
		return 0
	}
}

func parse(c rune) Command {
	switch c {
	case '+':
		return Increment
	case '-':
		return Decrement
	case '>':
		return Right
	case '<':
		return Left
	case '.':
		return Output
	case ',':
		return Input
	case '[':
		return LoopStart
	case ']':
		return LoopEnd
	default:
		return Ignore
	}
}

func (c Command) String() string {
	switch c {
	case Increment, Decrement, Left, Right, Output, Input, LoopStart, LoopEnd:
		return string(rune(c))
	default:
		return " "
	}
}

// Check that every ']' closes an earlier '[' and every '[' is closed.
func Validate(commands []Command) error {
	depth := 0
	for _, cmd := range commands {
		switch cmd {
		case LoopStart:
			depth++
		case LoopEnd:
			depth--
		}
		if depth < 0 {
			return ErrUnmatchedLoopClose
		}
	}
	if depth > 0 {
		return ErrUnmatchedLoopOpen
	}
	return nil
}

type Lexer struct {
	chars string
}

func NewLexer(input string) *Lexer {
	return &Lexer{
		chars: input,
	}
}

// Lex returns the commands of the source, dropping every other character, and
// validates bracket balance.
func (l *Lexer) Lex() ([]Command, error) {
	commands := []Command{}
	for _, c := range l.chars {
		cmd := parse(c)
		if cmd != Ignore {
			commands = append(commands, cmd)
		}
	}
	if err := Validate(commands); err != nil {
		return nil, err
	}
	return commands, nil
}

func Lex(input string) ([]Command, error) {
	lexer := NewLexer(input)
	return lexer.Lex()
}
