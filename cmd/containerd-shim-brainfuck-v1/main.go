package main

import (
	"context"
	"os/signal"
	"syscall"

	bf_shim "github.com/MarcinKonowalczyk/bfvm/shim"

	"github.com/containerd/containerd/v2/pkg/shim"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// programs run in-process on the shim's task service
	shim.Run(ctx, bf_shim.NewManager("io.containerd.bf.v1"))
}
