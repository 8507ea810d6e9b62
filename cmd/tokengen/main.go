package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"courier/internal/auth"
)

func main() {
	defaultExpiry := 24 * time.Hour
	if v := os.Getenv("TOKEN_EXPIRY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: TOKEN_EXPIRY: %v\n", err)
			os.Exit(1)
		}
		defaultExpiry = d
	}

	vapid := flag.Bool("vapid", false, "Generate a VAPID key pair for Web Push instead of a token")
	// The server rejects tokens living longer than its own TOKEN_EXPIRY.
	expiry := flag.Duration("expiry", defaultExpiry, "Token lifetime, at most the server's TOKEN_EXPIRY")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: tokengen [-expiry duration] <user-id>")
		fmt.Fprintln(os.Stderr, "       tokengen -vapid")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *vapid {
		privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating VAPID keys: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", publicKey, privateKey)
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := auth.NewService(ctx, auth.Config{
		Secret:      os.Getenv("AUTH_SECRET"),
		TokenExpiry: *expiry,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (is AUTH_SECRET set?)\n", err)
		os.Exit(1)
	}

	token, _, err := svc.Issue(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error issuing token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
