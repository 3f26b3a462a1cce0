package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signature is the split form the exchange expects in the request body.
// R and S are 0x-prefixed 32-byte hex strings, V is 27 or 28.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

const (
	sourceMainnet = "a"
	sourceTestnet = "b"
)

// The exchange verifies L1 action signatures under this fixed domain.
// These are protocol constants; the chain id is not the chain the bot runs
// against.
var signingDomain = apitypes.TypedDataDomain{
	Name:              "Exchange",
	Version:           "1",
	ChainId:           (*math.HexOrDecimal256)(big.NewInt(1337)),
	VerifyingContract: "0x0000000000000000000000000000000000000000",
}

// PhantomAgentDigest computes the typed-data digest that is actually signed
// for an L1 action: a "phantom agent" record {source, connectionId} binding
// the network identity and the canonical action digest.
func PhantomAgentDigest(connectionID common.Hash, mainnet bool) (common.Hash, error) {
	source := sourceTestnet
	if mainnet {
		source = sourceMainnet
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": []apitypes.Type{
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain:      signingDomain,
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutil.Encode(connectionID[:]),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	// Final digest: keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return common.BytesToHash(crypto.Keccak256(rawData)), nil
}

// SignL1Action signs a privileged exchange action: hash the canonical action
// bytes, wrap the digest in the phantom agent record, sign that under the
// fixed domain, and split the signature into the components the exchange
// expects. Deterministic given key, action and nonce.
func SignL1Action(signer *Signer, action any, vault *common.Address, nonce uint64, mainnet bool) (Signature, error) {
	if signer == nil {
		return Signature{}, fmt.Errorf("no signing identity loaded")
	}

	connectionID, err := ActionHash(action, vault, nonce)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to hash action: %w", err)
	}

	digest, err := PhantomAgentDigest(connectionID, mainnet)
	if err != nil {
		return Signature{}, err
	}

	raw, err := signer.Sign(digest[:])
	if err != nil {
		return Signature{}, fmt.Errorf("failed to sign phantom agent: %w", err)
	}

	return Signature{
		R: hexutil.Encode(raw[:32]),
		S: hexutil.Encode(raw[32:64]),
		V: raw[64] + 27,
	}, nil
}
