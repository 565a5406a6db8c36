// cartctl is a CLI for driving a running cartsync daemon.
// Each command performs a single operation, making it composable for scripts.
//
// Examples:
//
//	cartctl add --qty 2 product 60
//	cartctl set mixture 7 3
//	cartctl discount WELCOME
//	TOTAL=$(cartctl show -q)
//	cartctl watch
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"cartsync/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s✗ %v%s\n", colors.red, err, colors.reset)
		os.Exit(1)
	}
}

// newApp builds the command tree writing to out.
func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "cartctl",
		Usage: "inspect and edit the cart held by a cartsync daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "daemon",
				Aliases: []string{"d"},
				Value:   "http://localhost:8080",
				Usage:   "cartsync daemon base URL",
				Sources: cli.EnvVars("CARTSYNC_URL"),
			},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "only print the cart total"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "show full request/response"},
			&cli.BoolFlag{Name: "no-color", Usage: "disable colored output"},
		},
		Commands: []*cli.Command{
			{
				Name:  "show",
				Usage: "print the current cart",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return clientFor(cmd, out).cart(ctx, http.MethodGet, "/cart", nil, "Cart retrieved")
				},
			},
			{
				Name:  "lines",
				Usage: "print line items with pending quantity changes",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					c := clientFor(cmd, out)
					var env linesEnvelope
					if err := c.do(ctx, http.MethodGet, "/cart/lines", nil, &env); err != nil {
						return err
					}
					c.printLines(env)
					return nil
				},
			},
			{
				Name:      "add",
				Usage:     "add an item to the cart",
				ArgsUsage: "<kind> <id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "qty", Aliases: []string{"n"}, Value: 1, Usage: "quantity to add"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key, err := itemArgs(cmd)
					if err != nil {
						return err
					}
					body := map[string]any{"itemId": key.ItemID, "kind": key.Kind, "quantity": int(cmd.Int("qty"))}
					return clientFor(cmd, out).cart(ctx, http.MethodPost, "/cart/items", body, "Item added")
				},
			},
			{
				Name:      "set",
				Usage:     "set the quantity of a line; 0 removes it",
				ArgsUsage: "<kind> <id> <quantity>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key, err := itemArgs(cmd)
					if err != nil {
						return err
					}
					qty, err := strconv.Atoi(cmd.Args().Get(2))
					if err != nil {
						return fmt.Errorf("quantity: %q is not a number", cmd.Args().Get(2))
					}
					body := map[string]any{"quantity": qty}
					return clientFor(cmd, out).cart(ctx, http.MethodPut, itemPath(key), body, "Quantity updated")
				},
			},
			{
				Name:      "remove",
				Usage:     "remove a line from the cart",
				ArgsUsage: "<kind> <id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key, err := itemArgs(cmd)
					if err != nil {
						return err
					}
					return clientFor(cmd, out).cart(ctx, http.MethodDelete, itemPath(key), nil, "Item removed")
				},
			},
			{
				Name:      "discount",
				Usage:     "apply a discount code",
				ArgsUsage: "<code>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					code := cmd.Args().First()
					if code == "" {
						return fmt.Errorf("discount code required")
					}
					body := map[string]string{"code": code}
					return clientFor(cmd, out).cart(ctx, http.MethodPost, "/cart/discount", body, "Discount applied")
				},
			},
			{
				Name:  "undiscount",
				Usage: "remove the discount code",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return clientFor(cmd, out).cart(ctx, http.MethodDelete, "/cart/discount", nil, "Discount removed")
				},
			},
			{
				Name:  "clear",
				Usage: "empty the cart",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return clientFor(cmd, out).cart(ctx, http.MethodDelete, "/cart", nil, "Cart cleared")
				},
			},
			{
				Name:  "reload",
				Usage: "reload the cart from its backing store",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return clientFor(cmd, out).cart(ctx, http.MethodPost, "/cart/reload", nil, "Cart reloaded")
				},
			},
			{
				Name:  "merge",
				Usage: "retry merging the anonymous cart into the signed-in cart",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return clientFor(cmd, out).cart(ctx, http.MethodPost, "/cart/merge", nil, "Carts merged")
				},
			},
			{
				Name:  "login",
				Usage: "sign the daemon in with a bearer token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Required: true, Usage: "bearer token", Sources: cli.EnvVars("CARTSYNC_TOKEN")},
					&cli.StringFlag{Name: "subject", Required: true, Usage: "user the token belongs to"},
					&cli.DurationFlag{Name: "expires", Usage: "token lifetime (0 means no expiry)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					body := map[string]any{"token": cmd.String("token"), "subject": cmd.String("subject")}
					if d := cmd.Duration("expires"); d > 0 {
						body["expiresAt"] = time.Now().Add(d).UTC()
					}
					return clientFor(cmd, out).cart(ctx, http.MethodPost, "/session/login", body, "Signed in")
				},
			},
			{
				Name:  "logout",
				Usage: "sign the daemon out and start a fresh anonymous cart",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return clientFor(cmd, out).cart(ctx, http.MethodPost, "/session/logout", nil, "Signed out")
				},
			},
			{
				Name:  "watch",
				Usage: "stream cart changes as they happen",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return clientFor(cmd, out).watch(ctx)
				},
			},
		},
	}
}

func clientFor(cmd *cli.Command, out io.Writer) *daemonClient {
	root := cmd.Root()
	noColor := root.Bool("no-color") || os.Getenv("NO_COLOR") != ""
	return newDaemonClient(root.String("daemon"), out, root.Bool("quiet"), root.Bool("verbose"), noColor)
}

// itemArgs reads the <kind> <id> positional arguments.
func itemArgs(cmd *cli.Command) (model.ItemKey, error) {
	if cmd.Args().Len() < 2 {
		return model.ItemKey{}, fmt.Errorf("usage: %s %s", cmd.Name, cmd.ArgsUsage)
	}
	kind, err := model.ParseKind(cmd.Args().Get(0))
	if err != nil {
		return model.ItemKey{}, err
	}
	id, err := strconv.ParseInt(cmd.Args().Get(1), 10, 64)
	if err != nil || id <= 0 {
		return model.ItemKey{}, fmt.Errorf("id: %q is not a positive integer", cmd.Args().Get(1))
	}
	return model.ItemKey{ItemID: id, Kind: kind}, nil
}

func itemPath(k model.ItemKey) string {
	return fmt.Sprintf("/cart/items/%s/%s", url.PathEscape(string(k.Kind)), strconv.FormatInt(k.ItemID, 10))
}
