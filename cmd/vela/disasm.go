package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vela/internal/bytecode"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm <file.vbc>",
	Short: "Disassemble a compiled Vela module",
	Long:  `Print the constant pool and instruction listing of a module binary`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read module: %w", err)
		}
		m, err := bytecode.Decode(data)
		if err != nil {
			return fmt.Errorf("failed to decode module: %w", err)
		}
		bytecode.Disassemble(cmd.OutOrStdout(), m)
		return nil
	},
}
