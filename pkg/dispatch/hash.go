package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spaolacci/murmur3"

	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
)

// CallHash computes the content hash the broker uses to decide whether a
// submission is equivalent to one already completed. The hash must be
// stable under changes to hash-ignored keyword arguments and unstable
// under any other change to the call. Operations that submit their own
// bundles (like the fitter) use it the same way the dispatcher does.
func CallHash(function string, args Args, items []interface{}, ignore []string) (string, error) {
	ignored := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		ignored[name] = true
	}

	hashed := args.Clone()
	for name := range hashed.Keyword {
		if ignored[name] {
			delete(hashed.Keyword, name)
		}
	}

	h := murmur3.New128()
	write := func(v interface{}) error {
		raw, err := canonicalJSON(v)
		if err != nil {
			return err
		}
		_, _ = h.Write(raw)
		_, _ = h.Write([]byte{0})
		return nil
	}

	_, _ = h.Write([]byte(function))
	_, _ = h.Write([]byte{0})
	for _, v := range hashed.Positional {
		if err := write(v); err != nil {
			return "", err
		}
	}
	// Keyword arguments in name order so map iteration cannot perturb
	// the hash.
	names := make([]string, 0, len(hashed.Keyword))
	for name := range hashed.Keyword {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{'='})
		if err := write(hashed.Keyword[name]); err != nil {
			return "", err
		}
	}
	for _, item := range items {
		if err := write(item); err != nil {
			return "", err
		}
	}

	hi, lo := h.Sum128()
	return fmt.Sprintf("%016x%016x", hi, lo), nil
}

// canonicalJSON renders a value deterministically. encoding/json already
// sorts map keys, which is all the canonicalization the hash needs.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, sdkerrors.NewError("HASH_FAILED", "cannot encode call argument for hashing", err)
	}
	return raw, nil
}
