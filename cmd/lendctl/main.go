package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"nhblend/cmd/internal/passphrase"
	"nhblend/native/lending"
	"nhblend/services/lending/client"
)

const (
	defaultURL       = "http://127.0.0.1:9444"
	envURL           = "LENDCTL_URL"
	envToken         = "LENDCTL_TOKEN"
	defaultSecretEnv = "LENDINGD_JWT_SECRET"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			printUsage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	global := flag.NewFlagSet("lendctl", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	baseURL := global.String("url", envOr(envURL, defaultURL), "lendingd base URL")
	token := global.String("token", os.Getenv(envToken), "bearer token")
	timeout := global.Duration("timeout", 10*time.Second, "request timeout")
	if err := global.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	rest := global.Args()
	if len(rest) == 0 {
		return errUsage
	}
	command, params := rest[0], rest[1:]
	if command == "token" {
		return runToken(params, stdout)
	}

	c, err := client.New(client.Config{BaseURL: *baseURL, BearerToken: *token, Timeout: *timeout, Retries: 2})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var out interface{}
	switch command {
	case "market":
		if err := need(params, 1); err != nil {
			return err
		}
		out, err = c.GetMarketRates(ctx, params[0])
	case "position":
		if err := need(params, 1); err != nil {
			return err
		}
		out, err = c.GetPosition(ctx, params[0])
	case "health":
		if err := need(params, 1); err != nil {
			return err
		}
		out, err = c.GetPositionHealth(ctx, params[0])
	case "positions":
		if err := need(params, 1); err != nil {
			return err
		}
		if !common.IsHexAddress(params[0]) {
			return fmt.Errorf("invalid address %q", params[0])
		}
		out, err = c.GetUserPositions(ctx, common.HexToAddress(params[0]))
	case "deposit", "supply", "withdraw-supply":
		if err := need(params, 2); err != nil {
			return err
		}
		amount, perr := parseAmount(params[1])
		if perr != nil {
			return perr
		}
		switch command {
		case "deposit":
			out, err = c.DepositCollateral(ctx, params[0], amount)
		case "supply":
			out, err = c.SupplyLiquidity(ctx, params[0], amount)
		default:
			out, err = c.WithdrawLiquidity(ctx, params[0], amount)
		}
	case "borrow":
		if err := need(params, 4); err != nil {
			return err
		}
		borrow, perr := parseAmount(params[2])
		if perr != nil {
			return perr
		}
		collateral, perr := parseAmount(params[3])
		if perr != nil {
			return perr
		}
		out, err = c.CreatePosition(ctx, params[0], params[1], borrow, collateral)
	case "repay", "draw", "add-collateral", "remove-collateral":
		if err := need(params, 2); err != nil {
			return err
		}
		amount, perr := parseAmount(params[1])
		if perr != nil {
			return perr
		}
		switch command {
		case "repay":
			out, err = c.Repay(ctx, params[0], amount)
		case "draw":
			out, err = c.IncreaseBorrow(ctx, params[0], amount)
		case "add-collateral":
			out, err = c.AddCollateral(ctx, params[0], amount)
		default:
			out, err = c.WithdrawPositionCollateral(ctx, params[0], amount)
		}
	case "liquidate":
		if err := need(params, 1); err != nil {
			return err
		}
		out, err = c.Liquidate(ctx, params[0])
	case "auction":
		if err := need(params, 1); err != nil {
			return err
		}
		out, err = c.GetAuction(ctx, params[0])
	case "bid":
		if err := need(params, 2); err != nil {
			return err
		}
		amount, perr := parseAmount(params[1])
		if perr != nil {
			return perr
		}
		out, err = c.PlaceBid(ctx, params[0], amount)
	case "finalize":
		if err := need(params, 1); err != nil {
			return err
		}
		out, err = c.FinalizeAuction(ctx, params[0])
	case "pause":
		pauses, perr := parsePauses(params)
		if perr != nil {
			return perr
		}
		out, err = c.SetPauses(ctx, pauses)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// runToken mints an HMAC signed bearer token for the given subject. The
// secret is read from -secret-env or prompted for.
func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sub := fs.String("sub", "", "subject address")
	scopes := fs.String("scopes", "lending:borrow", "comma separated lending:* scopes")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	issuer := fs.String("issuer", "", "iss claim")
	audience := fs.String("audience", "", "aud claim")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "environment variable holding the HMAC secret")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if !common.IsHexAddress(*sub) {
		return fmt.Errorf("-sub must be a hex address")
	}
	if *ttl <= 0 {
		return fmt.Errorf("-ttl must be positive")
	}
	secret, err := passphrase.NewSource(*secretEnv, "JWT signing secret").Get()
	if err != nil {
		return err
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   common.HexToAddress(*sub).Hex(),
		"scope": strings.Join(splitList(*scopes), " "),
		"iat":   now.Unix(),
		"exp":   now.Add(*ttl).Unix(),
	}
	if *issuer != "" {
		claims["iss"] = *issuer
	}
	if *audience != "" {
		claims["aud"] = *audience
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	_, err = fmt.Fprintln(stdout, signed)
	return err
}

func parsePauses(args []string) (lending.ActionPauses, error) {
	var p lending.ActionPauses
	for _, name := range args {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "borrow":
			p.Borrow = true
		case "repay":
			p.Repay = true
		case "liquidate":
			p.Liquidate = true
		case "collateral":
			p.Collateral = true
		case "supply":
			p.Supply = true
		case "none":
		default:
			return p, fmt.Errorf("unknown action %q", name)
		}
	}
	return p, nil
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

func need(params []string, n int) error {
	if len(params) < n {
		return fmt.Errorf("%w: expected %d arguments", errUsage, n)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: lendctl [-url URL] [-token JWT] <command> [args]

Reads:
  market <asset>                      current rates and totals
  position <id> | health <id>         position document or health
  positions <address>                 positions owned by address
  auction <id>                        auction state

Writes:
  deposit <asset> <amount>            deposit collateral
  supply <asset> <amount>             supply liquidity
  withdraw-supply <asset> <amount>    withdraw supplied liquidity
  borrow <asset> <collateral> <amount> <collateralAmount>
  draw|repay|add-collateral|remove-collateral <id> <amount>
  liquidate <id>
  bid <auction> <amount> | finalize <auction>
  pause [borrow repay liquidate collateral supply | none]

Tokens:
  token -sub <address> -scopes lending:borrow,lending:supply [-ttl 1h]`)
}
