package store_test

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wandb/eventstore/internal/store"
)

func TestOpenCreateStore(t *testing.T) {
	db, err := os.CreateTemp("", "temp-db")
	assert.NoError(t, err)
	defer os.Remove(db.Name())
	db.Close()

	wr := store.New(context.Background(),
		store.StoreOptions{
			Name: db.Name(),
			Flag: os.O_WRONLY,
		},
	)
	err = wr.Open()
	assert.NoError(t, err)

	err = wr.Close()
	assert.NoError(t, err)
}

func TestOpenReadStore(t *testing.T) {
	db, err := os.CreateTemp("", "temp-db")
	assert.NoError(t, err)
	defer os.Remove(db.Name())
	db.Close()

	wr := store.New(context.Background(),
		store.StoreOptions{
			Name: db.Name(),
			Flag: os.O_WRONLY,
		},
	)
	err = wr.Open()
	assert.NoError(t, err)

	err = wr.Close()
	assert.NoError(t, err)

	rd := store.New(context.Background(),
		store.StoreOptions{
			Name: db.Name(),
			Flag: os.O_RDONLY,
		},
	)
	err = rd.Open()
	assert.NoError(t, err)

	err = rd.Close()
	assert.NoError(t, err)
}

func TestReadWriteRecord(t *testing.T) {
	db, err := os.CreateTemp("", "temp-db")
	assert.NoError(t, err)
	defer os.Remove(db.Name())
	db.Close()

	wr := store.New(context.Background(),
		store.StoreOptions{
			Name: db.Name(),
			Flag: os.O_WRONLY,
		},
	)
	defer wr.Close()

	err = wr.Open()
	assert.NoError(t, err)

	bufwr := []byte("test")
	assert.NoError(t, err)

	err = wr.Write(bufwr)
	assert.NoError(t, err)

	err = wr.Close()
	assert.NoError(t, err)

	rd := store.New(context.Background(),
		store.StoreOptions{
			Name: db.Name(),
			Flag: os.O_RDONLY,
		},
	)
	err = rd.Open()
	assert.NoError(t, err)
	defer rd.Close()

	bufrd, err := rd.Read()
	assert.NoError(t, err)

	assert.Equal(t, bufwr, bufrd)
	err = rd.Close()
	assert.NoError(t, err)
}

func TestCorruptFile(t *testing.T) {
	db, err := os.CreateTemp("", "temp-db")
	assert.NoError(t, err)
	defer os.Remove(db.Name())
	db.Close()

	wr := store.New(context.Background(),
		store.StoreOptions{
			Name: db.Name(),
			Flag: os.O_WRONLY,
		},
	)
	defer wr.Close()

	err = wr.Open()
	assert.NoError(t, err)

	bufwr := []byte("test")
	err = wr.Write(bufwr)
	assert.NoError(t, err)

	_, err = wr.WriteDirectly([]byte("currupt"))
	assert.NoError(t, err)

	err = wr.Close()
	assert.NoError(t, err)

	rd := store.New(context.Background(),
		store.StoreOptions{
			Name: db.Name(),
			Flag: os.O_RDONLY,
		},
	)
	err = rd.Open()
	assert.NoError(t, err)
	defer rd.Close()

	_, err = rd.Read()
	assert.Error(t, err)

	err = rd.Close()
	assert.NoError(t, err)
}

// TestHeaderWriteError tests that Open fails when the store file cannot be
// created, so no header is ever written
func TestHeaderWriteError(t *testing.T) {
	wr := store.New(context.Background(),
		store.StoreOptions{
			Name: "non_existent_dir/file",
			Flag: os.O_WRONLY,
		},
	)
	err := wr.Open()
	assert.Error(t, err)
}

// TestInvalidFlag tests the scenario where an invalid flag is provided in the Open() method
func TestInvalidFlag(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "temp-db")
	assert.NoError(t, err)
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	flag := 9999
	invalid := store.New(context.Background(),
		store.StoreOptions{
			Name: tmpFile.Name(),
			Flag: flag, // invalid flag
		},
	)
	err = invalid.Open()
	assert.ErrorIs(t, err, store.ErrInvalidFlag)
}

// TestWriteToClosedStore tests the scenario where a record is written to a closed store.
func TestWriteToClosedStore(t *testing.T) {
	db, err := os.CreateTemp("", "temp-db")
	assert.NoError(t, err)
	defer os.Remove(db.Name())
	db.Close()

	wr := store.New(context.Background(),
		store.StoreOptions{
			Name: db.Name(),
			Flag: os.O_WRONLY,
		},
	)
	err = wr.Open()
	assert.NoError(t, err)

	err = wr.Close()
	assert.NoError(t, err)

	bufwr := []byte("test")
	err = wr.Write(bufwr)
	assert.Error(t, err, "can't write to closed store")
}

// TestReadFromClosedStore tests the scenario where a record is read from a closed store.
func TestReadFromClosedStore(t *testing.T) {
	db, err := os.CreateTemp("", "temp-db")
	assert.NoError(t, err)
	defer os.Remove(db.Name())
	db.Close()

	wr := store.New(context.Background(),
		store.StoreOptions{
			Name: db.Name(),
			Flag: os.O_WRONLY,
		},
	)
	err = wr.Open()
	assert.NoError(t, err)

	bufwr := []byte("test")
	err = wr.Write(bufwr)
	assert.NoError(t, err)

	err = wr.Close()
	assert.NoError(t, err)

	_, err = wr.Read()
	assert.Error(t, err, "can't read from closed store")
}

// TestReadWriteSpanningBlocks writes a record bigger than the underlying
// chunk-framing block size (see record.go's blockSize), so this exercises
// the first/middle/last chunk split and reassembly through the public Store
// API rather than directly against the unexported record reader/writer.
func TestReadWriteSpanningBlocks(t *testing.T) {
	db, err := os.CreateTemp("", "temp-db")
	assert.NoError(t, err)
	defer os.Remove(db.Name())
	db.Close()

	const blockSize = 32 * 1024
	big := bytes.Repeat([]byte("abcdefgh"), blockSize) // ~256 KiB, several blocks

	wr := store.New(context.Background(),
		store.StoreOptions{
			Name: db.Name(),
			Flag: os.O_WRONLY,
		},
	)
	assert.NoError(t, wr.Open())
	assert.NoError(t, wr.Write(big))
	assert.NoError(t, wr.Write([]byte("trailer")))
	assert.NoError(t, wr.Close())

	rd := store.New(context.Background(),
		store.StoreOptions{
			Name: db.Name(),
			Flag: os.O_RDONLY,
		},
	)
	assert.NoError(t, rd.Open())
	defer rd.Close()

	got, err := rd.Read()
	assert.NoError(t, err)
	assert.Equal(t, big, got)

	trailer, err := rd.Read()
	assert.NoError(t, err)
	assert.Equal(t, []byte("trailer"), trailer)
}
