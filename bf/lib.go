package bf

import (
	"context"
)

// Run lexes source and runs it to completion with the default config
func Run(ctx context.Context, source string, input string) (string, error) {
	return RunWithConfig(ctx, source, input, DefaultConfig())
}

func RunWithConfig(ctx context.Context, source string, input string, cfg Config) (string, error) {
	interpreter, err := NewWithConfig(source, input, cfg)
	if err != nil {
		return "", err
	}
	return interpreter.Run(ctx)
}
