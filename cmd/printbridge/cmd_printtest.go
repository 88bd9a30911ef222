package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ordermaster/printbridge/internal/connection"
	"github.com/ordermaster/printbridge/internal/probe"
	"github.com/ordermaster/printbridge/internal/receipt"
	"github.com/ordermaster/printbridge/pkg/models"
)

func runPrintTest(args []string) {
	fs := flag.NewFlagSet("print-test", flag.ExitOnError)
	address := fs.String("address", "", "printer address (required)")
	port := fs.Int("port", models.PortRaw, "printer raw port")
	timeout := fs.Duration("timeout", 5*time.Second, "connect and send timeout")
	preview := fs.Bool("preview", false, "print the receipt text instead of sending it")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	r := receipt.TestReceipt(time.Now())
	if *preview {
		fmt.Print(receipt.Preview(r, receipt.EncodeOptions{}))
		return
	}
	if *address == "" {
		fmt.Fprintln(os.Stderr, "error: --address is required")
		fs.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2**timeout)
	defer cancel()

	res := (&probe.TCPProber{}).Probe(ctx, *address, *port, *timeout)
	if !res.Reachable {
		fmt.Fprintf(os.Stderr, "printer not reachable: %v\n", res.Err)
		os.Exit(1)
	}

	d := models.NewNetworkDevice(*address, *port, "")
	data := receipt.Encode(r, receipt.EncodeOptions{})
	bridge := &connection.TCPBridge{Timeout: *timeout}
	if err := bridge.Send(ctx, d, data); err != nil {
		fmt.Fprintf(os.Stderr, "print failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Sent %d bytes to %s\n", len(data), d.Endpoint())
}
