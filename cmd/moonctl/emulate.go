package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"text/tabwriter"

	"moonrpc/internal/adapter/discovery"
	"moonrpc/internal/adapter/emulator"
	"moonrpc/internal/infra/config"
	"moonrpc/internal/infra/middleware"
)

func emulatorAuth(keys []config.EmulatorKey) emulator.Authenticator {
	if len(keys) == 0 {
		return emulator.OpenAuth{}
	}
	entries := make([]emulator.KeyEntry, len(keys))
	for i, k := range keys {
		entries[i] = emulator.KeyEntry{Key: k.Key, Name: k.Name}
	}
	return emulator.NewStaticKeyAuth(entries...)
}

func runEmulate() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.stop()
	ec := rt.cfg.Emulator

	ctx, cancel := signalContext()
	defer cancel()

	srv := emulator.NewServer(emulatorAuth(ec.Keys), ec.Addr, rt.log)
	printer := emulator.NewPrinter()
	printer.Register(srv)
	srv.Use(middleware.AccessLog(rt.log), middleware.SecurityHeaders)
	if ec.RateLimit > 0 {
		srv.Use(middleware.RateLimit(ctx, ec.RateLimit, ec.RateBurst))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		return err
	}
	interval := ec.StatusInterval
	if interval <= 0 {
		interval = config.Defaults().Emulator.StatusInterval
	}
	go printer.Run(ctx, srv, interval)

	if ec.Advertise {
		_, portStr, err := net.SplitHostPort(srv.BoundAddr())
		if err != nil {
			return err
		}
		port, _ := strconv.Atoi(portStr)
		d := discovery.New(rt.log, rt.cfg.Discovery.ScanTimeout)
		go func() {
			err := d.Advertise(ctx, ec.Instance, port, map[string]string{"emulator": "true"})
			if err != nil {
				rt.log.Warn("advertise failed", "error", err)
			}
		}()
	}

	rt.log.Info("emulator ready", "addr", srv.BoundAddr(), "auth", len(ec.Keys) > 0)
	return <-errCh
}

func runDiscover() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.stop()

	ctx, cancel := signalContext()
	defer cancel()

	services, err := discovery.New(rt.log, rt.cfg.Discovery.ScanTimeout).Scan(ctx)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Println("no Moonraker instances found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tENDPOINT\tHOST")
	for _, s := range services {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Instance, s.Endpoint(), s.Host)
	}
	return w.Flush()
}

func runEncrypt() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: moonctl encrypt <value>")
	}
	passphrase := os.Getenv("MOONRPC_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("MOONRPC_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(os.Args[2], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

