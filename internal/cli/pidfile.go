package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgepool/forgepool/internal/pidfile"
)

var (
	pidfileName string
	pidfileDir  string
)

var pidfileCmd = &cobra.Command{
	Use:   "pidfile",
	Short: "Inspect or remove a program's pidfile",
}

var pidfileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the pid recorded in a program's pidfile",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := pidfile.New(pidfileName, pidfileDir, 0)
		pid, err := f.Read()
		if err != nil {
			return err
		}
		alive, err := f.Alive()
		if err != nil {
			return err
		}
		if jsonOutput {
			fmt.Printf("{\"pid\":%d,\"alive\":%t,\"path\":%q}\n", pid, alive, f.Path())
			return nil
		}
		fmt.Printf("pid=%d alive=%t path=%s\n", pid, alive, f.Path())
		return nil
	},
}

var pidfileDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove a program's pidfile, unconditionally",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := pidfile.New(pidfileName, pidfileDir, 0)
		if err := f.ForceDelete(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "deleted %s\n", f.Path())
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{pidfileShowCmd, pidfileDeleteCmd} {
		c.Flags().StringVar(&pidfileName, "name", "", "Program name the pidfile was derived from")
		c.Flags().StringVar(&pidfileDir, "dir", "/var/run", "Directory containing the pidfile")
		c.MarkFlagRequired("name")
	}

	pidfileCmd.AddCommand(pidfileShowCmd, pidfileDeleteCmd)
	rootCmd.AddCommand(pidfileCmd)
}
