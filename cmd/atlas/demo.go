package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
)

// The demo record used by the Tables and BTrees sections: a fixed 128-byte
// customer row with the fields the key callbacks index.
const (
	demoIDOff    = 0
	demoEmailOff = 4
	demoEmailLen = 50
	demoNameOff  = 54
	demoNameLen  = 36
	demoSize     = 128
)

var demoNames = []string{
	"alvarez", "baker", "chen", "davies", "endo", "fischer", "garcia",
	"hansen", "ito", "jones", "kim", "larsen", "moreau", "nguyen", "okafor",
	"patel", "quinn", "rossi", "sato", "tanaka", "ueda", "vargas", "wong",
	"xu", "yamada", "zhang",
}

var demoDomains = []string{"example.com", "example.net", "example.org", "mail.test"}

// makeDemo builds one demo record. The generator is deterministic for a
// given seed so two processes can rebuild the same data set.
func makeDemo(id uint32, rnd *rand.Rand) []byte {
	rec := make([]byte, demoSize)
	binary.LittleEndian.PutUint32(rec[demoIDOff:], id)
	name := demoNames[rnd.Intn(len(demoNames))]
	email := fmt.Sprintf("%s%d@%s", name, id, demoDomains[rnd.Intn(len(demoDomains))])
	copy(rec[demoEmailOff:demoEmailOff+demoEmailLen-1], email)
	copy(rec[demoNameOff:demoNameOff+demoNameLen-1], name)
	return rec
}

func demoID(rec []byte) uint32 {
	return binary.LittleEndian.Uint32(rec[demoIDOff:])
}

func demoEmail(rec []byte) []byte {
	return rec[demoEmailOff : demoEmailOff+demoEmailLen]
}

// u64Key indexes an 8-byte little-endian integer at the start of a tuple.
type u64Key struct{}

func (u64Key) Extract(tuple []byte) []byte { return tuple[:8] }

func (u64Key) Compare(a, b []byte, n int) int {
	av := binary.LittleEndian.Uint64(a[:8])
	bv := binary.LittleEndian.Uint64(b[:8])
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

// customerIDKey indexes the demo record's numeric customer id.
type customerIDKey struct{}

func (customerIDKey) Extract(tuple []byte) []byte { return tuple[demoIDOff : demoIDOff+4] }

func (customerIDKey) Compare(a, b []byte, n int) int {
	av := binary.LittleEndian.Uint32(a[:4])
	bv := binary.LittleEndian.Uint32(b[:4])
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

// emailKey indexes the demo record's email, case-insensitively,
// NUL-terminated within its fixed field.
type emailKey struct{}

func (emailKey) Extract(tuple []byte) []byte { return demoEmail(tuple) }

func (emailKey) Compare(a, b []byte, n int) int {
	for i := 0; i < n; i++ {
		var ca, cb byte
		if i < len(a) {
			ca = lowerByte(a[i])
		}
		if i < len(b) {
			cb = lowerByte(b[i])
		}
		if ca != cb {
			return int(ca) - int(cb)
		}
		if ca == 0 {
			return 0
		}
	}
	return 0
}

func lowerByte(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
