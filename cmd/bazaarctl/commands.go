package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/pflag"

	"github.com/alanyoungcy/nftbazaar/internal/client"
	"github.com/alanyoungcy/nftbazaar/internal/crypto"
	"github.com/alanyoungcy/nftbazaar/internal/fee"
)

const usage = `usage: bazaarctl [flags] <command> [args]

commands:
  keygen --out FILE          create an encrypted key file (password from BAZAAR_KEY_PASSWORD)
  address                    print the signing address
  market                     show marketplace state
  listing ID                 show one listing
  active                     list active listings
  events                     list ledger events
  init FEE_BPS               initialize the marketplace with the caller as admin
  list CONTRACT TOKEN PRICE  create a listing
  buy ID                     purchase a listing (pays its current price unless --value)
  price ID NEW_PRICE         change a listing price
  cancel ID                  cancel your listing
  emergency-cancel ID        admin: delist any active listing
  fee BPS                    admin: change the platform fee
  pause true|false           admin: toggle the pause switch
  transfer ADDRESS           admin: hand over the admin role

flags:
`

// options are the global flags shared by every command.
type options struct {
	server  string
	keyFile string
	out     string
	value   string
	after   uint64
	limit   int
	timeout time.Duration
}

// run parses args and executes one command, writing results to stdout.
func run(ctx context.Context, args []string, stdout io.Writer, getenv func(string) string) error {
	var opts options
	fs := pflag.NewFlagSet("bazaarctl", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.StringVarP(&opts.server, "server", "s", envOr(getenv, "BAZAAR_SERVER", "http://localhost:8000"), "bazaar server base URL")
	fs.StringVarP(&opts.keyFile, "key-file", "k", getenv("BAZAAR_KEY_FILE"), "encrypted key file")
	fs.StringVarP(&opts.out, "out", "o", "", "keygen: output key file")
	fs.StringVar(&opts.value, "value", "", "buy: payment to attach instead of the listing price")
	fs.Uint64Var(&opts.after, "after", 0, "active/events: return entries after this id or seq")
	fs.IntVar(&opts.limit, "limit", 0, "active/events: page size (0 for server default)")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall request timeout")
	fs.Usage = func() {
		fmt.Fprint(stdout, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	cmd, cmdArgs := rest[0], rest[1:]

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	if cmd == "keygen" {
		return keygen(opts, getenv, stdout)
	}

	signer, err := loadSigner(opts, getenv)
	if err != nil {
		return err
	}
	c := client.New(opts.server, signer)

	switch cmd {
	case "address":
		if signer == nil {
			return errors.New("no key configured: set --key-file or BAZAAR_PRIVATE_KEY")
		}
		fmt.Fprintln(stdout, signer.Address().Hex())
		return nil

	case "market":
		m, err := c.Marketplace(ctx)
		return emit(stdout, m, err)

	case "listing":
		id, err := idArg(cmdArgs)
		if err != nil {
			return err
		}
		l, err := c.Listing(ctx, id)
		return emit(stdout, l, err)

	case "active":
		page, err := c.Active(ctx, opts.after, opts.limit)
		return emit(stdout, page, err)

	case "events":
		evs, err := c.Events(ctx, opts.after, opts.limit)
		return emit(stdout, evs, err)

	case "init":
		bps, err := bpsArg(cmdArgs)
		if err != nil {
			return err
		}
		if err := c.Initialize(ctx, bps); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "marketplace initialized: admin %s, fee %s%%\n", c.Address().Hex(), fee.Percent(bps))
		return nil

	case "list":
		if len(cmdArgs) != 3 {
			return errors.New("list needs CONTRACT TOKEN PRICE")
		}
		if !common.IsHexAddress(cmdArgs[0]) {
			return fmt.Errorf("invalid contract address %q", cmdArgs[0])
		}
		tokenID, err := uint256.FromDecimal(cmdArgs[1])
		if err != nil {
			return fmt.Errorf("invalid token id %q: %w", cmdArgs[1], err)
		}
		price, err := uint256.FromDecimal(cmdArgs[2])
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", cmdArgs[2], err)
		}
		id, err := c.CreateListing(ctx, common.HexToAddress(cmdArgs[0]), tokenID, price)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "listing %d created\n", id)
		return nil

	case "buy":
		id, err := idArg(cmdArgs)
		if err != nil {
			return err
		}
		value, err := paymentFor(ctx, c, id, opts.value)
		if err != nil {
			return err
		}
		sale, err := c.Purchase(ctx, id, value)
		return emit(stdout, sale, err)

	case "price":
		if len(cmdArgs) != 2 {
			return errors.New("price needs ID NEW_PRICE")
		}
		id, err := idArg(cmdArgs[:1])
		if err != nil {
			return err
		}
		price, err := uint256.FromDecimal(cmdArgs[1])
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", cmdArgs[1], err)
		}
		l, err := c.EditPrice(ctx, id, price)
		return emit(stdout, l, err)

	case "cancel", "emergency-cancel":
		id, err := idArg(cmdArgs)
		if err != nil {
			return err
		}
		op := c.Cancel
		if cmd == "emergency-cancel" {
			op = c.EmergencyCancel
		}
		l, err := op(ctx, id)
		return emit(stdout, l, err)

	case "fee":
		bps, err := bpsArg(cmdArgs)
		if err != nil {
			return err
		}
		if err := c.UpdateFee(ctx, bps); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "fee set to %d bps (%s%%)\n", bps, fee.Percent(bps))
		return nil

	case "pause":
		if len(cmdArgs) != 1 {
			return errors.New("pause needs true or false")
		}
		paused, err := strconv.ParseBool(cmdArgs[0])
		if err != nil {
			return fmt.Errorf("invalid pause value %q", cmdArgs[0])
		}
		if err := c.SetPaused(ctx, paused); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "paused: %t\n", paused)
		return nil

	case "transfer":
		if len(cmdArgs) != 1 || !common.IsHexAddress(cmdArgs[0]) {
			return errors.New("transfer needs a hex ADDRESS")
		}
		to := common.HexToAddress(cmdArgs[0])
		if err := c.TransferOwnership(ctx, to); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "admin transferred to %s\n", to.Hex())
		return nil

	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func keygen(opts options, getenv func(string) string, stdout io.Writer) error {
	if opts.out == "" {
		return errors.New("keygen needs --out FILE")
	}
	password := getenv("BAZAAR_KEY_PASSWORD")
	if password == "" {
		return errors.New("keygen needs BAZAAR_KEY_PASSWORD")
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	if err := crypto.WriteKeyFile(opts.out, key, password); err != nil {
		return err
	}
	signer, err := crypto.NewSigner(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s for %s\n", opts.out, signer.Address().Hex())
	return nil
}

// loadSigner returns nil without error when no key is configured, which
// leaves the client read-only.
func loadSigner(opts options, getenv func(string) string) (*crypto.Signer, error) {
	raw := getenv("BAZAAR_PRIVATE_KEY")
	if raw == "" && opts.keyFile == "" {
		return nil, nil
	}
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey: raw,
		KeyFile:       opts.keyFile,
		Password:      getenv("BAZAAR_KEY_PASSWORD"),
	})
	if err != nil {
		return nil, err
	}
	return crypto.NewSigner(key)
}

// paymentFor returns the explicit --value or the listing's current price.
func paymentFor(ctx context.Context, c *client.Client, id uint64, explicit string) (*uint256.Int, error) {
	if explicit != "" {
		v, err := uint256.FromDecimal(explicit)
		if err != nil {
			return nil, fmt.Errorf("invalid --value %q: %w", explicit, err)
		}
		return v, nil
	}
	l, err := c.Listing(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.Exists() {
		return nil, fmt.Errorf("listing %d does not exist", id)
	}
	return l.Price, nil
}

func idArg(args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one listing ID")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid listing id %q", args[0])
	}
	return id, nil
}

func bpsArg(args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one fee in basis points")
	}
	bps, err := strconv.ParseUint(strings.TrimSpace(args[0]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fee %q", args[0])
	}
	return bps, nil
}

func envOr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// emit prints v as indented JSON unless err is set.
func emit(w io.Writer, v any, err error) error {
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
