package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/digitalgoods/fulfillment-services/app"
	"github.com/digitalgoods/fulfillment-services/util/cli"
)

type command func(ctx context.Context, c *app.Context, args []string) (interface{}, error)

var commands = map[string]command{
	"stage":   stage,
	"attach":  attach,
	"revoke":  revoke,
	"refund":  refund,
	"record":  record,
	"history": history,
	"restock": restock,
	"stock":   stock,
}

func main() {
	if len(os.Args) < 2 || commands[os.Args[1]] == nil {
		printHelp()
		os.Exit(1)
	}
	run := commands[os.Args[1]]

	// If anything goes wrong, this panics.
	c := app.NewContext()
	defer c.Close()

	result, err := run(context.Background(), c, os.Args[2:])
	if err != nil {
		c.Logger.Errorf("%s failed: %v", os.Args[1], err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

func parse(name string, args []string, product, orderLine, file *string, qty *int64, revokeAsset *bool) {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	if product != nil {
		flags.StringVar(product, "product", "", "Product id")
	}
	if orderLine != nil {
		flags.StringVar(orderLine, "order-line", "", "Order line id")
	}
	if file != nil {
		flags.StringVar(file, "file", "", "Path to the file to stage or attach")
	}
	if qty != nil {
		flags.Int64Var(qty, "qty", 0, "Number of units")
	}
	if revokeAsset != nil {
		flags.BoolVar(revokeAsset, "revoke", false, "Also take the product's file down from storage")
	}
	flags.Parse(args)
}

func readFile(path string) (string, []byte, string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", nil, "", err
	}
	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return name, content, mimeType, nil
}

func stage(ctx context.Context, c *app.Context, args []string) (interface{}, error) {
	var productID, path string
	parse("stage", args, &productID, nil, &path, nil, nil)
	name, content, mimeType, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := c.Admin.StageAsset(ctx, productID, name, content, mimeType); err != nil {
		return nil, err
	}
	return map[string]string{"product_id": productID, "staged": name}, nil
}

func attach(ctx context.Context, c *app.Context, args []string) (interface{}, error) {
	var productID, path string
	parse("attach", args, &productID, nil, &path, nil, nil)
	name, content, mimeType, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return c.Admin.AttachAsset(ctx, productID, name, content, mimeType)
}

func revoke(ctx context.Context, c *app.Context, args []string) (interface{}, error) {
	var productID string
	parse("revoke", args, &productID, nil, nil, nil, nil)
	return c.Admin.RevokeAsset(ctx, productID), nil
}

func refund(ctx context.Context, c *app.Context, args []string) (interface{}, error) {
	var orderLineID string
	var revokeAsset bool
	parse("refund", args, nil, &orderLineID, nil, nil, &revokeAsset)
	return c.Admin.Refund(ctx, orderLineID, revokeAsset)
}

func record(ctx context.Context, c *app.Context, args []string) (interface{}, error) {
	var orderLineID string
	parse("record", args, nil, &orderLineID, nil, nil, nil)
	return c.Admin.Record(ctx, orderLineID)
}

func history(ctx context.Context, c *app.Context, args []string) (interface{}, error) {
	var productID string
	parse("history", args, &productID, nil, nil, nil, nil)
	return c.Admin.History(ctx, productID)
}

func restock(ctx context.Context, c *app.Context, args []string) (interface{}, error) {
	var productID string
	var qty int64
	parse("restock", args, &productID, nil, nil, &qty, nil)
	remaining, err := c.Admin.Restock(ctx, productID, qty)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"product_id": productID, "stock": remaining}, nil
}

func stock(ctx context.Context, c *app.Context, args []string) (interface{}, error) {
	var productID string
	parse("stock", args, &productID, nil, nil, nil, nil)
	remaining, err := c.Ledger.Stock(ctx, productID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"product_id": productID, "stock": remaining}, nil
}

func printHelp() {
	message := `
asset_admin manages the files and stock behind digital products.

Usage: asset_admin <command> [flags]

  stage   -product ID -file PATH     Put a file in staging. It is uploaded on first sale.
  attach  -product ID -file PATH     Upload a file now and make it the active asset.
  revoke  -product ID                Take the active asset down from storage.
  refund  -order-line ID [-revoke]   Refund a delivered order line and restore its stock.
  record  -order-line ID             Show the delivery record for an order line.
  history -product ID                Show every asset the product has had.
  restock -product ID -qty N         Add N units of stock.
  stock   -product ID                Show remaining stock.
`
	fmt.Println(message)
	fmt.Println(cli.EnvMessage)
}
