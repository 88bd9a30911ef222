package main

import (
	"fmt"
	"os"

	"github.com/ordermaster/printbridge/internal/version"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe(args)
	case "scan":
		runScan(args)
	case "print-test":
		runPrintTest(args)
	case "backup":
		runBackup(args)
	case "restore":
		runRestore(args)
	case "version":
		fmt.Println(version.Info())
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: printbridge [command] [flags]

commands:
  serve        run the print daemon (default)
  scan         sweep the network for receipt printers
  print-test   send the test receipt to a printer
  backup       archive the printer database and config
  restore      unpack a backup archive
  version      print version information
`)
}
