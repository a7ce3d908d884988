// Copyright (c) 2015-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command dropwtxmgr deletes every payment record, output lock and spent
// marker from a multiwallet database. Payments in flight are listed first,
// since their outputs become selectable again once dropped.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/multiwallet/wtxmgr"
	"github.com/jessevdk/go-flags"
)

var datadir = btcutil.AppDataDir("multiwallet", false)

// Flags.
var opts = struct {
	Force   bool          `short:"f" description:"Force removal without prompt"`
	DbPath  string        `long:"db" description:"Path to wallet database"`
	Timeout time.Duration `long:"timeout" description:"Timeout for acquiring the database lock"`
}{
	Force:   false,
	DbPath:  filepath.Join(datadir, "multiwallet.db"),
	Timeout: 10 * time.Second,
}

func init() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}
}

func yes(s string) bool {
	switch s {
	case "y", "Y", "yes", "Yes":
		return true
	default:
		return false
	}
}

func no(s string) bool {
	switch s {
	case "n", "N", "no", "No":
		return true
	default:
		return false
	}
}

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	fmt.Println("Database path:", opts.DbPath)
	_, err := os.Stat(opts.DbPath)
	if os.IsNotExist(err) {
		fmt.Println("Database file does not exist")
		return 1
	}

	db, err := walletdb.Open("bdb", opts.DbPath, true, opts.Timeout,
		false)
	if err != nil {
		fmt.Println("Failed to open database:", err)
		return 1
	}
	defer db.Close()

	store, err := wtxmgr.Open(db, nil)
	if err != nil {
		fmt.Println("Failed to open payment store:", err)
		return 1
	}

	recs, err := store.Records()
	if err != nil {
		fmt.Println("Failed to read payments:", err)
		return 1
	}

	var inFlight int
	for _, rec := range recs {
		if rec.State.IsTerminal() {
			continue
		}
		inFlight++

		fmt.Printf("In flight: %v %v %v -> %v (%v)\n", rec.ID,
			rec.State, rec.Amount, rec.DestinationAddress,
			rec.ChainTxID)
	}
	fmt.Printf("%d payments, %d in flight\n", len(recs), inFlight)

	for !opts.Force {
		fmt.Print("Drop all multiwallet payment records? [y/N] ")

		scanner := bufio.NewScanner(bufio.NewReader(os.Stdin))
		if !scanner.Scan() {
			// Exit on EOF.
			return 0
		}
		err := scanner.Err()
		if err != nil {
			fmt.Println()
			fmt.Println(err)
			return 1
		}
		resp := scanner.Text()
		if yes(resp) {
			break
		}
		if no(resp) || resp == "" {
			return 0
		}

		fmt.Println("Enter yes or no.")
	}

	fmt.Println("Dropping wtxmgr namespace")
	if err := wtxmgr.Drop(db); err != nil {
		fmt.Println("Failed to drop and re-create namespace:", err)
		return 1
	}

	return 0
}
