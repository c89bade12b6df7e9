package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/darioguarascio/docuchain/internal/app"
	"github.com/darioguarascio/docuchain/internal/config"
	machinecrypto "github.com/darioguarascio/docuchain/internal/crypto"
	"github.com/darioguarascio/docuchain/internal/ledger"
	"github.com/darioguarascio/docuchain/internal/protocol"
	"github.com/darioguarascio/docuchain/internal/service"
)

func main() {
	configPath := flag.String("config", "configs/docuchain.yaml", "path to docuchain config")
	documentID := flag.String("document", "", "verify a single document by id")
	filePath := flag.String("file", "", "verify an artifact file by its content hash")
	attested := flag.String("attested", "", "check the attestation on a saved chain report or export (offline)")
	publicKey := flag.String("public-key", "", "public key for -attested")
	jsonOut := flag.Bool("json", false, "print the report as JSON")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout")
	flag.Parse()

	if *attested != "" {
		os.Exit(runAttested(os.Stdout, *attested, *publicKey))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc, closeFn, err := openLedger(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		os.Exit(2)
	}
	code := run(ctx, os.Stdout, svc, *documentID, *filePath, *jsonOut)
	closeFn()
	os.Exit(code)
}

func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service.LedgerService, func(), error) {
	signer, err := app.LoadSigner(cfg)
	if err != nil {
		return nil, nil, err
	}
	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	engine, err := ledger.NewEngine(ledger.EngineParams{Store: backend.Store, Logger: logger})
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	svc, err := service.NewLedgerService(service.LedgerParams{
		Engine:  engine,
		Signer:  signer,
		Logger:  logger,
		Service: "docuchain-verify",
		Version: cfg.Logging.Version,
	})
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return svc, backend.Close, nil
}

// run prints one report and returns the process exit code: 0 valid, 1 invalid, 2 error.
func run(ctx context.Context, out io.Writer, svc *service.LedgerService, documentID, filePath string, jsonOut bool) int {
	var (
		report any
		valid  bool
		errs   []string
		label  string
	)
	switch {
	case filePath != "":
		data, err := os.ReadFile(filePath)
		if err != nil {
			fmt.Fprintf(out, "read artifact: %v\n", err)
			return 2
		}
		r, err := svc.VerifyUpload(ctx, data)
		if err != nil {
			fmt.Fprintf(out, "verify artifact: %v\n", err)
			return 2
		}
		report, valid, errs = r, r.Valid, r.Errors
		label = fmt.Sprintf("artifact %s (sha256 %s)", filePath, r.ContentHash)
	case documentID != "":
		r, err := svc.VerifyDocument(ctx, documentID)
		if err != nil {
			fmt.Fprintf(out, "verify document: %v\n", err)
			return 2
		}
		report, valid, errs = r, r.Valid, r.Errors
		label = "document " + documentID
	default:
		r, err := svc.VerifyAll(ctx)
		if err != nil {
			fmt.Fprintf(out, "verify chain: %v\n", err)
			return 2
		}
		report, valid, errs = r, r.Valid, r.Errors
		label = fmt.Sprintf("chain (%d blocks)", r.BlockCount)
	}

	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		printReport(out, label, valid, errs)
	}
	if !valid {
		return 1
	}
	return 0
}

func printReport(out io.Writer, label string, valid bool, errs []string) {
	if valid {
		color.New(color.FgGreen).Fprintf(out, "✓ %s is valid\n", label)
		return
	}
	color.New(color.FgRed, color.Bold).Fprintf(out, "✗ %s is INVALID\n", label)
	for _, e := range errs {
		color.New(color.FgYellow).Fprintf(out, "  - %s\n", e)
	}
}

// runAttested checks the signature on a chain report or export saved from the API.
func runAttested(out io.Writer, path, publicKeyPath string) int {
	if publicKeyPath == "" {
		fmt.Fprintln(out, "-public-key is required with -attested")
		return 2
	}
	pub, err := machinecrypto.LoadPublicKey(publicKeyPath)
	if err != nil {
		fmt.Fprintf(out, "load public key: %v\n", err)
		return 2
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(out, "read report: %v\n", err)
		return 2
	}
	if err := checkAttestation(raw, pub); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(out, "✗ %s attestation rejected: %v\n", path, err)
		return 1
	}
	color.New(color.FgGreen).Fprintf(out, "✓ %s attestation verified (%s)\n", path, machinecrypto.KeyID(pub))
	return 0
}

func checkAttestation(raw []byte, pub ed25519.PublicKey) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse report: %w", err)
	}
	rawAtt, ok := doc["attestation"]
	if !ok {
		return errors.New("report carries no attestation")
	}
	delete(doc, "attestation")
	buf, err := json.Marshal(rawAtt)
	if err != nil {
		return err
	}
	var att protocol.Attestation
	if err := json.Unmarshal(buf, &att); err != nil {
		return fmt.Errorf("parse attestation: %w", err)
	}
	return machinecrypto.VerifyAttestation(pub, doc, att)
}
