package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	hlcrypto "github.com/despo33/hyperbot-sub000/pkg/crypto"
	"github.com/despo33/hyperbot-sub000/pkg/exchange"
)

// sign-action builds a sample order action, prints its canonical digest and
// phantom-agent signature. Useful for verifying the wire encoding against a
// reference implementation without touching the exchange.
func main() {
	keyHex := flag.String("key", "", "hex private key (omit to generate a throwaway)")
	mainnet := flag.Bool("mainnet", false, "sign for mainnet instead of testnet")
	flag.Parse()

	var signer *hlcrypto.Signer
	var err error
	if *keyHex != "" {
		signer, err = hlcrypto.FromPrivateKeyHex(*keyHex)
	} else {
		fmt.Println("Generating throwaway keypair...")
		signer, err = hlcrypto.GenerateKey()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Address: %s\n\n", signer.Address().Hex())

	action := exchange.NewOrderAction([]exchange.OrderWire{{
		Asset:      0,
		IsBuy:      true,
		Price:      "30000",
		Size:       "0.001",
		ReduceOnly: false,
		OrderType:  exchange.OrderTypeWire{Limit: &exchange.LimitOrderType{Tif: exchange.TifGtc}},
	}}, exchange.GroupingNA)

	actionJSON, _ := json.MarshalIndent(action, "", "  ")
	fmt.Printf("Action:\n%s\n\n", actionJSON)

	nonce := uint64(time.Now().UnixMilli())

	digest, err := hlcrypto.ActionHash(action, nil, nonce)
	if err != nil {
		fmt.Printf("Error hashing action: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Nonce:        %d\n", nonce)
	fmt.Printf("Action hash:  %s\n", digest.Hex())

	sig, err := hlcrypto.SignL1Action(signer, action, nil, nonce, *mainnet)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Signature:    r=%s s=%s v=%d\n", sig.R, sig.S, sig.V)
}
