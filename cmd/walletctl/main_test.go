package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/walletrelay/internal/convert"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "walletrelay")
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken("tok", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tok, err := loadToken()
	if err != nil || tok != "tok" {
		t.Fatalf("loadToken: tok=%q err=%v", tok, err)
	}
	st, err := os.Stat(tokenPath())
	if err != nil || st.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode: %v %v", st, err)
	}
	if err := saveToken("tok2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func signed(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func Test_tokenExpiry(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signed(t, jwt.RegisteredClaims{Subject: uuid.Must(uuid.NewV4()).String(), ExpiresAt: jwt.NewNumericDate(exp)})
	got, err := tokenExpiry(tok)
	if err != nil || !got.Equal(exp) {
		t.Fatalf("tokenExpiry=%v err=%v, want %v", got, err, exp)
	}

	// no exp claim falls back to a short default
	got, err = tokenExpiry(signed(t, jwt.RegisteredClaims{Subject: "u"}))
	if err != nil || got.Before(time.Now()) {
		t.Fatalf("default expiry: %v %v", got, err)
	}

	if _, err := tokenExpiry(signed(t, jwt.RegisteredClaims{})); err == nil {
		t.Fatalf("want error for missing subject")
	}
	if _, err := tokenExpiry("garbage"); err == nil {
		t.Fatalf("want error for malformed token")
	}
}

func Test_readAll_File_And_Stdin(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "f.txt")
	_ = os.WriteFile(tmp, []byte("hello"), 0o600)
	b, err := readAll(tmp)
	if err != nil || string(b) != "hello" {
		t.Fatalf("readAll(file): %q %v", b, err)
	}

	r, w, _ := os.Pipe()
	old := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = old }()
	go func() { _, _ = io.WriteString(w, "4821\nrest"); _ = w.Close() }()
	pin, err := pinArg("-")
	if err != nil || pin != "4821" {
		t.Fatalf("pinArg(stdin): %q %v", pin, err)
	}
	if pin, _ := pinArg("1234"); pin != "1234" {
		t.Fatalf("pinArg(literal): %q", pin)
	}
}

func Test_printJSON_WritesPretty(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = old }()

	printJSON(map[string]any{"a": 1})
	_ = w.Close()
	out, _ := io.ReadAll(r)

	var m map[string]any
	if json.Unmarshal(out, &m) != nil || m["a"] != float64(1) {
		t.Fatalf("printJSON produced invalid json: %s", string(out))
	}
	if !bytes.Contains(out, []byte("\n")) {
		t.Fatalf("printJSON should indent")
	}
}

func Test_submitRequest(t *testing.T) {
	t.Parallel()

	in, err := submitRequest([]string{"-pin", "4821", "-type", "approve", "-to", "0xabc", "-amount", "10"})
	if err != nil {
		t.Fatalf("submitRequest: %v", err)
	}
	if convert.String(in, "pin") != "4821" || convert.String(in, "type") != "approve" || convert.String(in, "amount") != "10" {
		t.Fatalf("unexpected struct: %v", in.AsMap())
	}
	if _, ok := in.GetFields()["owner"]; ok {
		t.Fatalf("empty owner should be omitted")
	}
	if _, err := submitRequest([]string{"-pin", "4821"}); err == nil {
		t.Fatalf("want error for missing -to/-amount")
	}
}

func Test_printRows(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = old }()

	out, _ := structpb.NewStruct(map[string]any{"entries": []any{
		map[string]any{"id": "e1", "status": "CONFIRMED", "type": "transfer", "txHash": "0xfeed", "attempts": 1},
	}})
	printRows(out)
	_ = w.Close()
	b, _ := io.ReadAll(r)

	var rows []map[string]any
	if err := json.Unmarshal(b, &rows); err != nil || len(rows) != 1 {
		t.Fatalf("printRows: %s %v", b, err)
	}
	if rows[0]["TxHash"] != "0xfeed" || rows[0]["Attempts"] != float64(1) {
		t.Fatalf("row mismatch: %v", rows[0])
	}
}

func Test_bearerCreds_Metadata(t *testing.T) {
	t.Parallel()

	b := bearerCreds{token: "T", secure: true}
	md, err := b.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetRequestMetadata: %v", err)
	}
	if md["authorization"] != "Bearer T" {
		t.Fatalf("auth header mismatch: %v", md)
	}
	if !b.RequireTransportSecurity() {
		t.Fatalf("bearerCreds must require TLS unless plaintext")
	}
	if (bearerCreds{token: "T"}).RequireTransportSecurity() {
		t.Fatalf("plaintext creds must not require TLS")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	for _, c := range []struct {
		name            string
		skip, plaintext bool
	}{{"insecure", true, false}, {"plaintext", false, true}, {"default", false, false}} {
		creds, err := loadTLS("", c.skip, c.plaintext)
		if err != nil || creds == nil {
			t.Fatalf("%s: %v %v", c.name, creds, err)
		}
	}

	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	creds, err := loadTLS(tmp, false, false)
	if err == nil || creds != nil {
		t.Fatalf("bad CA should error, got creds=%v err=%v", creds, err)
	}
}
