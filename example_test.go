package velo

import (
	"context"
	"fmt"
	"log"

	"github.com/velodb/velo/fs"
	"github.com/velodb/velo/wal"
)

func Example() {
	db, err := Open("example-db", WithFS(fs.NewMem()), WithGCInterval(0))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()

	txn, err := db.Begin(ctx)
	if err != nil {
		log.Fatal(err)
	}

	if err := db.Write(ctx, txn, "greeting", []byte("hello")); err != nil {
		log.Fatal(err)
	}

	if err := db.Commit(ctx, txn); err != nil {
		log.Fatal(err)
	}

	reader, err := db.Begin(ctx)
	if err != nil {
		log.Fatal(err)
	}

	value, err := db.Read(ctx, reader, "greeting")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(string(value))
	// Output: hello
}

func Example_compressedLog() {
	db, err := Open("example-db", WithFS(fs.NewMem()), WithGCInterval(0),
		WithWALOptions(func(o *wal.Options) {
			o.Compression = wal.CompressionZstd
		}))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()

	txn, err := db.Begin(ctx)
	if err != nil {
		log.Fatal(err)
	}

	if err := db.Write(ctx, txn, "k", []byte("a long, highly compressible value value value")); err != nil {
		log.Fatal(err)
	}

	if err := db.Commit(ctx, txn); err != nil {
		log.Fatal(err)
	}

	fmt.Println(db.Stats().WAL.Entries)
	// Output: 3
}
