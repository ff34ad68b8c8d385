package cmd

import (
	"fmt"
	"strings"

	"github.com/perchdesk/perch/internal/config"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// KeyCmd manages the stored Kernel API key.
type KeyCmd struct {
	store config.KeyStore
	// prompt reads a key interactively when none is given.
	prompt func() (string, error)
}

// KeySetInput holds the key to store. Empty prompts for it.
type KeySetInput struct {
	Key string
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the Kernel API key in the system keyring",
	Long: `The Kernel API key is only needed for --backend kernel. perch looks for it
in --api-key, then KERNEL_API_KEY, then the system keyring.`,
}

var keySetCmd = &cobra.Command{
	Use:   "set [key]",
	Short: "Store a Kernel API key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := KeySetInput{}
		if len(args) == 1 {
			in.Key = args[0]
		}
		return newKeyCmd().Set(in)
	},
}

var keyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored Kernel API key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newKeyCmd().Clear()
	},
}

var keyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show where the Kernel API key would be read from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newKeyCmd().Status(cfg.KernelAPIKey, nil)
	},
}

func init() {
	keyCmd.AddCommand(keySetCmd)
	keyCmd.AddCommand(keyClearCmd)
	keyCmd.AddCommand(keyStatusCmd)
}

func newKeyCmd() KeyCmd {
	return KeyCmd{
		store: config.Keyring{},
		prompt: func() (string, error) {
			return pterm.DefaultInteractiveTextInput.WithMask("*").Show("Kernel API key")
		},
	}
}

func (k KeyCmd) Set(in KeySetInput) error {
	key := strings.TrimSpace(in.Key)
	if key == "" && k.prompt != nil {
		v, err := k.prompt()
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		key = strings.TrimSpace(v)
	}
	if key == "" {
		return fmt.Errorf("no key given")
	}
	if err := k.store.Set(key); err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}
	pterm.Success.Println("Kernel API key stored in the system keyring")
	return nil
}

func (k KeyCmd) Clear() error {
	if err := k.store.Delete(); err != nil {
		return fmt.Errorf("failed to remove key: %w", err)
	}
	pterm.Success.Println("Kernel API key removed")
	return nil
}

// Status prints which source ResolveAPIKey would use, without the key itself.
func (k KeyCmd) Status(explicit string, lookup func(string) (string, bool)) error {
	source := "none"
	switch key, err := config.ResolveAPIKey(explicit, lookup, nil); {
	case err == nil && strings.TrimSpace(explicit) != "":
		source = "--api-key"
	case err == nil && key != "":
		source = "KERNEL_API_KEY"
	default:
		stored, err := k.store.Get()
		if err != nil {
			return fmt.Errorf("failed to read keyring: %w", err)
		}
		if stored != "" {
			source = "keyring"
		}
	}
	if source == "none" {
		pterm.Warning.Println("No Kernel API key configured")
		return nil
	}
	pterm.Info.Printf("Kernel API key from %s\n", source)
	return nil
}
