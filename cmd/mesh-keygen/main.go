// mesh-keygen bootstraps and inspects mesh identities outside the
// daemon: generate a keypair (optionally with a recovery phrase),
// recover one from a phrase, inspect what a state directory holds, or
// export the self-signed peer card other hosts provision into their
// trust stores.
package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"skillmesh/go-mesh/internal/identity"
	"skillmesh/go-mesh/internal/keystore"
)

func main() {
	var (
		action   = flag.String("action", "generate", "generate | recover | inspect | export-card")
		dir      = flag.String("dir", "", "keystore directory (required)")
		withSeed = flag.Bool("mnemonic", false, "generate with a 24-word recovery phrase")
		name     = flag.String("name", "", "peer name to embed in the exported card")
	)
	flag.Parse()

	if strings.TrimSpace(*dir) == "" {
		fail("dir is required")
	}
	if err := os.MkdirAll(*dir, 0o700); err != nil {
		failf("create keystore dir: %v", err)
	}

	ks, err := keystore.Open(*dir, keystoreOptions()...)
	if err != nil {
		failf("open keystore: %v", err)
	}

	switch *action {
	case "generate":
		generate(ks, *withSeed)
	case "recover":
		recoverIdentity(ks)
	case "inspect":
		inspect(ks)
	case "export-card":
		exportCard(ks, *name)
	default:
		failf("unknown action %q", *action)
	}
}

func keystoreOptions() []keystore.Option {
	if p := os.Getenv("SKILLMESH_PASSPHRASE"); p != "" {
		return []keystore.Option{keystore.WithPassphrase(p)}
	}
	return nil
}

func generate(ks *keystore.Keystore, withMnemonic bool) {
	if !withMnemonic {
		id, err := ks.LoadOrCreateIdentity()
		if err != nil {
			failf("generate identity: %v", err)
		}
		printIdentity(id)
		return
	}

	id, phrase, err := identity.GenerateWithMnemonic()
	if err != nil {
		failf("generate identity: %v", err)
	}
	if err := ks.SaveIdentity(id); err != nil {
		failf("persist identity: %v", err)
	}
	printIdentity(id)
	fmt.Println()
	fmt.Println("Recovery phrase (write it down, it is not stored):")
	fmt.Printf("  %s\n", phrase)
}

// recover rebuilds an identity from a phrase read on stdin, so the
// phrase stays out of shell history and process listings.
func recoverIdentity(ks *keystore.Keystore) {
	fmt.Fprintln(os.Stderr, "Enter recovery phrase:")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		failf("read recovery phrase: %v", err)
	}
	id, err := identity.FromMnemonic(strings.TrimSpace(line))
	if err != nil {
		failf("recover identity: %v", err)
	}
	if err := ks.SaveIdentity(id); err != nil {
		failf("persist identity: %v", err)
	}
	fmt.Println("Identity recovered.")
	printIdentity(id)
}

func inspect(ks *keystore.Keystore) {
	id, err := ks.LoadOrCreateIdentity()
	if err != nil {
		failf("load identity: %v", err)
	}
	printIdentity(id)

	peers := ks.TrustedPeers()
	fmt.Printf("\nTrusted peers: %d\n", len(peers))
	for _, p := range peers {
		fmt.Printf("  %s  %s\n", p.Fingerprint, p.Name)
	}
}

func exportCard(ks *keystore.Keystore, name string) {
	if _, err := ks.LoadOrCreateIdentity(); err != nil {
		failf("load identity: %v", err)
	}
	card, err := ks.ExportPeerCard(name)
	if err != nil {
		failf("export peer card: %v", err)
	}
	raw, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		failf("marshal peer card: %v", err)
	}
	fmt.Println(string(raw))
}

func printIdentity(id *identity.Identity) {
	fmt.Printf("Fingerprint:  %s\n", id.Fingerprint())
	fmt.Printf("Peer ID:      %s\n", id.PeerID())
	fmt.Printf("Public key:   %s\n", hex.EncodeToString(id.SigningPublic()))
	fmt.Printf("Exchange key: %s\n", hex.EncodeToString(id.ExchangePublic()))
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func failf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
