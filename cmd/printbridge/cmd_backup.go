package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ordermaster/printbridge/internal/backup"
)

func runBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	output := fs.String("output", "", "output file path (default: printbridge-backup-{timestamp}.tar.gz)")
	dbPath := fs.String("db", "printbridge.db", "path to the printer database")
	configFile := fs.String("config", "", "path to config file to include in backup")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *output == "" {
		*output = fmt.Sprintf("printbridge-backup-%s.tar.gz", time.Now().Format("20060102-150405"))
	}

	m, err := backup.Backup(context.Background(), backup.Options{
		DBPath:     *dbPath,
		ConfigPath: *configFile,
		Output:     *output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Backup created: %s (%d files)\n", *output, len(m.Files))
}
