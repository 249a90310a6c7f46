// readDB lists the keys of a badger data directory grouped by namespace.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sort"
	"unicode/utf8"

	"github.com/dgraph-io/badger/v4"
	"github.com/urfave/cli/v2"
)

// namespaces with a big endian integer directly after the prefix
var numeric = map[string]bool{
	"pdu:":        true,
	"authchain:":  true,
	"statediff:":  true,
	"eventstate:": true,
	"roomstate:":  true,
}

var prefixes = []string{
	"shortid:", "fullid:", "counter:", "pdu:", "eventid_pdukey:", "outlier:",
	"authchain:", "statediff:", "eventstate:", "roomstate:",
}

func main() {
	app := &cli.App{
		Name:      "readDB",
		Usage:     "dump the keys of a badger data directory",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "prefix", Usage: "only keys starting with this prefix"},
			&cli.BoolFlag{Name: "count", Usage: "only print the number of keys per namespace"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		path = "./tmp"
	}
	opts := badger.DefaultOptions(path).WithReadOnly(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	counts := map[string]int{}
	var total int

	err = db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = []byte(c.String("prefix"))
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ns := namespace(key)
			counts[ns]++
			total++
			if !c.Bool("count") {
				fmt.Printf("%-16s %s\n", ns, describe(ns, key[len(ns):]))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	names := make([]string, 0, len(counts))
	for ns := range counts {
		names = append(names, ns)
	}
	sort.Strings(names)
	for _, ns := range names {
		fmt.Printf("%-16s %d keys\n", ns, counts[ns])
	}
	fmt.Printf("Total number of keys: %d\n", total)
	return nil
}

func namespace(key []byte) string {
	for _, p := range prefixes {
		if bytes.HasPrefix(key, []byte(p)) {
			return p
		}
	}
	return "?"
}

func describe(ns string, rest []byte) string {
	switch {
	case ns == "fullid:" && len(rest) == 10:
		// kind byte, ':' and the short id
		return fmt.Sprintf("%c %d", rest[0], binary.BigEndian.Uint64(rest[2:]))
	case numeric[ns] && len(rest) >= 8:
		head := binary.BigEndian.Uint64(rest[:8])
		if len(rest) == 8 {
			return fmt.Sprintf("%d", head)
		}
		return fmt.Sprintf("%d %s", head, hex.EncodeToString(rest[8:]))
	case utf8.Valid(rest):
		return string(rest)
	default:
		return hex.EncodeToString(rest)
	}
}
