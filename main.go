package main

import (
	"context"
	"fmt"
	"os"

	"github.com/llava-go/llava/cmd"
	_ "github.com/llava-go/llava/model/models"
)

func main() {
	if err := cmd.NewCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
