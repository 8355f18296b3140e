package serde

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"time"
)

// Built-in identities.
const (
	IdentityTime     = "Date"
	IdentityDuration = "Duration"
	IdentityBytes    = "Uint8Array"
	IdentityBigInt   = "BigInt"
	IdentityURL      = "URL"
)

func registerBuiltins(r *Registry) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(RegisterType(r, IdentityTime,
		func(t time.Time) (any, error) { return t.Format(time.RFC3339Nano), nil },
		func(data json.RawMessage) (time.Time, error) {
			var s string
			if err := json.Unmarshal(data, &s); err != nil {
				return time.Time{}, err
			}
			return time.Parse(time.RFC3339Nano, s)
		},
	))

	must(RegisterType(r, IdentityDuration,
		func(d time.Duration) (any, error) { return int64(d), nil },
		func(data json.RawMessage) (time.Duration, error) {
			var n int64
			err := json.Unmarshal(data, &n)
			return time.Duration(n), err
		},
	))

	must(RegisterType(r, IdentityBytes,
		func(b []byte) (any, error) { return base64.StdEncoding.EncodeToString(b), nil },
		func(data json.RawMessage) ([]byte, error) {
			var s string
			if err := json.Unmarshal(data, &s); err != nil {
				return nil, err
			}
			return base64.StdEncoding.DecodeString(s)
		},
	))

	must(RegisterType(r, IdentityBigInt,
		func(n *big.Int) (any, error) { return n.String(), nil },
		func(data json.RawMessage) (*big.Int, error) {
			var s string
			if err := json.Unmarshal(data, &s); err != nil {
				return nil, err
			}
			n, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return nil, fmt.Errorf("invalid big integer %q", s)
			}
			return n, nil
		},
	))

	must(RegisterType(r, IdentityURL,
		func(u *url.URL) (any, error) { return u.String(), nil },
		func(data json.RawMessage) (*url.URL, error) {
			var s string
			if err := json.Unmarshal(data, &s); err != nil {
				return nil, err
			}
			return url.Parse(s)
		},
	))
}
