// Command auditverify checks an exported audit bundle offline: signature,
// file hash, hash chain, sequence continuity, and timestamp ordering.
//
// Usage:
//
//	auditverify -bundle ./bundle-dir -pubkey <hex ed25519 public key>
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/kycgate/backend/internal/audit"
)

func main() {
	bundle := flag.String("bundle", "", "path to the bundle directory")
	pubkeyHex := flag.String("pubkey", "", "hex-encoded ed25519 public key")
	asJSON := flag.Bool("json", false, "emit the report as JSON")
	flag.Parse()

	if *bundle == "" || *pubkeyHex == "" {
		flag.Usage()
		os.Exit(2)
	}

	raw, err := hex.DecodeString(*pubkeyHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		log.Fatalf("pubkey must be %d hex-encoded bytes", ed25519.PublicKeySize)
	}

	report, err := audit.VerifyBundle(*bundle, ed25519.PublicKey(raw))
	if err != nil {
		log.Fatalf("verify: %v", err)
	}

	if *asJSON {
		json.NewEncoder(os.Stdout).Encode(report)
	} else {
		printReport(report)
	}
	if report.Status != "PASS" {
		os.Exit(1)
	}
}

func printReport(r *audit.Report) {
	fmt.Printf("status:     %s\n", r.Status)
	fmt.Printf("records:    %d\n", r.RecordCount)
	fmt.Printf("signature:  %s\n", mark(r.SignatureOK))
	fmt.Printf("file hash:  %s\n", mark(r.FileHashOK))
	fmt.Printf("sequence:   %s\n", mark(r.SequenceOK))
	fmt.Printf("chain:      %s\n", mark(r.ChainOK))
	fmt.Printf("timestamps: %s\n", mark(r.TimestampsOK))
	if r.BrokenAt >= 0 {
		fmt.Printf("broken at:  sequence %d\n", r.BrokenAt)
	}
	if r.Detail != "" {
		fmt.Printf("detail:     %s\n", r.Detail)
	}
}

func mark(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}
