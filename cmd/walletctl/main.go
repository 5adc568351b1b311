// Command walletctl is a CLI client for the walletrelay custody service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/walletrelay/internal/convert"
	"github.com/and161185/walletrelay/internal/model"
	grpcserver "github.com/and161185/walletrelay/internal/server/grpc"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "walletrelay")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "walletrelay")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run auth first)")
	}
	return tf.AccessToken, nil
}

// tokenExpiry reads exp without verifying the signature; the server does that.
func tokenExpiry(tok string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return time.Time{}, errors.New("token has no subject")
	}
	if claims.ExpiresAt == nil {
		return time.Now().Add(15 * time.Minute), nil
	}
	return claims.ExpiresAt.Time, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify, plaintext bool) (credentials.TransportCredentials, error) {
	if plaintext {
		return insecure.NewCredentials(), nil
	}
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type dialOpts struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
}

func dial(o dialOpts, bearer string) (*grpc.ClientConn, *grpcserver.CustodyClient, error) {
	creds, err := loadTLS(o.caPath, o.skipVerify, o.plaintext)
	if err != nil {
		return nil, nil, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !o.plaintext}))
	}
	cc, err := grpc.NewClient(o.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewCustodyClient(cc), nil
}

// call dials with the saved token and invokes one method.
func call(ctx context.Context, o dialOpts, method string, in *structpb.Struct) (*structpb.Struct, error) {
	token, err := loadToken()
	if err != nil {
		return nil, err
	}
	cc, cli, err := dial(o, token)
	if err != nil {
		return nil, err
	}
	defer cc.Close()
	return cli.Call(ctx, method, in)
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

// pinArg resolves a -pin value; "-" reads the first line of stdin.
func pinArg(v string) (string, error) {
	if v != "-" {
		return v, nil
	}
	b, err := readAll("-")
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	return strings.TrimSpace(line), nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `walletctl CLI
Usage:
  walletctl -addr HOST:PORT [-cacert file | -insecure | -plaintext] <cmd> [args]

Commands:
  version
  auth        -token <jwt>                        (saves token)
  set-pin     -pin <4 digits>
  verify-pin  -pin <4 digits>
  reset-code                                      (sends a one-time code)
  reset-pin   -code <otp> -old <pin> -new <pin>
  submit      -pin <pin> -type transfer|approve|transferFrom -to <addr> -amount <units>
              [-token <erc20>] [-owner <addr>]
  list        [-limit N]

A -pin value of "-" is read from stdin.
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	// global flags
	var o dialOpts
	flag.StringVar(&o.addr, "addr", "localhost:8443", "server addr")
	flag.StringVar(&o.caPath, "cacert", "", "CA cert (PEM)")
	flag.BoolVar(&o.skipVerify, "insecure", false, "skip cert verify (dev)")
	flag.BoolVar(&o.plaintext, "plaintext", false, "no TLS at all (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	switch cmd {

	case "version":
		fmt.Printf("walletctl %s (%s)\n", version, buildDate)

	case "auth":
		fs := flag.NewFlagSet("auth", flag.ExitOnError)
		tok := fs.String("token", "", "access token (JWT)")
		_ = fs.Parse(args)
		if *tok == "" {
			fmt.Fprintln(os.Stderr, "need -token")
			os.Exit(1)
		}
		exp, err := tokenExpiry(*tok)
		if err != nil {
			fail(err)
		}
		if err := saveToken(*tok, exp); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "set-pin", "verify-pin":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		p := fs.String("pin", "", "PIN ('-'=stdin)")
		_ = fs.Parse(args)
		pin, err := pinArg(*p)
		if err != nil {
			fail(err)
		}
		if pin == "" {
			fmt.Fprintln(os.Stderr, "need -pin")
			os.Exit(1)
		}
		method := grpcserver.MethodSetPin
		if cmd == "verify-pin" {
			method = grpcserver.MethodVerifyPin
		}
		out, err := call(ctx, o, method, mustStruct(map[string]any{"pin": pin}))
		if err != nil {
			fail(err)
		}
		printJSON(out.AsMap())

	case "reset-code":
		out, err := call(ctx, o, grpcserver.MethodRequestResetCode, nil)
		if err != nil {
			fail(err)
		}
		printJSON(out.AsMap())

	case "reset-pin":
		fs := flag.NewFlagSet("reset-pin", flag.ExitOnError)
		code := fs.String("code", "", "one-time reset code")
		oldPin := fs.String("old", "", "current PIN")
		newPin := fs.String("new", "", "new PIN")
		_ = fs.Parse(args)
		if *code == "" || *oldPin == "" || *newPin == "" {
			fmt.Fprintln(os.Stderr, "need -code -old -new")
			os.Exit(1)
		}
		out, err := call(ctx, o, grpcserver.MethodResetPin, mustStruct(map[string]any{
			"code": *code, "oldPin": *oldPin, "newPin": *newPin,
		}))
		if err != nil {
			fail(err)
		}
		printJSON(out.AsMap())

	case "submit":
		in, err := submitRequest(args)
		if err != nil {
			fail(err)
		}
		out, err := call(ctx, o, grpcserver.MethodSubmitTransaction, in)
		if err != nil {
			fail(err)
		}
		printJSON(out.AsMap())

	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		limit := fs.Int("limit", 20, "max entries")
		_ = fs.Parse(args)
		out, err := call(ctx, o, grpcserver.MethodListTransactions, mustStruct(map[string]any{"limit": *limit}))
		if err != nil {
			fail(err)
		}
		printRows(out)

	default:
		usage()
	}
}

// ---- helpers ----

// submitRequest builds the SubmitTransaction message from submit's flags.
func submitRequest(args []string) (*structpb.Struct, error) {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	p := fs.String("pin", "", "PIN ('-'=stdin)")
	typ := fs.String("type", string(model.OpTransfer), "transfer|approve|transferFrom")
	to := fs.String("to", "", "recipient or spender")
	amount := fs.String("amount", "", "amount in token base units")
	token := fs.String("token", "", "ERC-20 contract (default: server's)")
	owner := fs.String("owner", "", "owner for transferFrom")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *p == "" || *to == "" || *amount == "" {
		return nil, errors.New("need -pin -to -amount")
	}
	pin, err := pinArg(*p)
	if err != nil {
		return nil, err
	}
	return convert.ToStructOpRequest(model.OpRequest{
		Type:   model.OpType(*typ),
		Token:  *token,
		To:     *to,
		Owner:  *owner,
		Amount: *amount,
	}, pin)
}

// printRows prints a compact view of ListTransactions output.
func printRows(out *structpb.Struct) {
	type row struct {
		ID, Status, Type, TxHash, CreatedAt string
		Attempts                            int
	}
	rows := []row{}
	for _, v := range out.GetFields()["entries"].GetListValue().GetValues() {
		e := v.GetStructValue()
		rows = append(rows, row{
			ID:        convert.String(e, "id"),
			Status:    convert.String(e, "status"),
			Type:      convert.String(e, "type"),
			TxHash:    convert.String(e, "txHash"),
			CreatedAt: convert.String(e, "createdAt"),
			Attempts:  convert.Int(e, "attempts", 0),
		})
	}
	printJSON(rows)
}

func mustStruct(m map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(m)
	if err != nil {
		fail(err)
	}
	return s
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		if d := grpcserver.ErrorDetails(err); len(d) > 0 {
			b, _ := json.Marshal(d)
			fmt.Fprintf(os.Stderr, "details: %s\n", b)
		}
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
