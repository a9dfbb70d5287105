package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/metronome/db"
	"github.com/teranos/metronome/display"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/sym"
)

// DbCmd groups database maintenance commands
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Database maintenance",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Apply pending schema migrations.

Every command that opens the database migrates it first, so this is only
needed to prepare a database ahead of time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path := cfg.GetDatabasePath()
		conn, err := db.OpenWithMigrations(path, logger.Logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		pterm.Success.Printf("%s %s is up to date\n", sym.DB, path)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List schema migrations and when they were applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		conn, err := db.Open(cfg.GetDatabasePath(), nil)
		if err != nil {
			return err
		}
		defer conn.Close()

		status, err := db.Status(conn)
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(status)
		}

		data := pterm.TableData{{"VERSION", "MIGRATION", "APPLIED"}}
		pending := 0
		for _, m := range status {
			applied := "pending"
			if m.AppliedAt != nil {
				applied = m.AppliedAt.Local().Format("2006-01-02 15:04:05")
			} else {
				pending++
			}
			data = append(data, []string{m.Version, m.Name, applied})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		if pending > 0 {
			pterm.Warning.Printf("%d pending; run 'metronome db migrate'\n", pending)
		}
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}
