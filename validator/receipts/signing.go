package receipts

import (
	"github.com/forgenet/forge/crypto/keys"
	"github.com/pkg/errors"
)

// BlobForSigning returns the canonical byte representation of a payload that
// both sides sign: compact JSON with the struct's declared field order. The
// raw payload bytes inside a transferred receipt are signed as-is, so
// re-serialization never has to reproduce a foreign peer's formatting.
func BlobForSigning(p Payload) ([]byte, error) {
	blob, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "could not serialize receipt payload")
	}
	return blob, nil
}

// Build constructs a validator-signed receipt around the payload. The miner
// signature is left empty; miners countersign on their side.
func Build(p Payload, signer *keys.Keypair) (*Receipt, error) {
	blob, err := BlobForSigning(p)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		Kind:               p.Kind(),
		RawPayload:         blob,
		ValidatorSignature: signer.Sign(blob),
		payload:            p,
	}, nil
}

// VerifyValidator checks the validator signature over the raw payload bytes.
func (r *Receipt) VerifyValidator() error {
	p, err := r.Payload()
	if err != nil {
		return err
	}
	if err := keys.Verify(p.Common().ValidatorHotkey, r.RawPayload, r.ValidatorSignature); err != nil {
		return errors.Wrap(err, "validator signature")
	}
	return nil
}

// VerifyMiner checks the miner signature over the raw payload bytes.
func (r *Receipt) VerifyMiner() error {
	p, err := r.Payload()
	if err != nil {
		return err
	}
	if err := keys.Verify(p.Common().MinerHotkey, r.RawPayload, r.MinerSignature); err != nil {
		return errors.Wrap(err, "miner signature")
	}
	return nil
}

// Verify checks every signature present on the receipt. A receipt with
// neither signature is rejected.
func (r *Receipt) Verify() error {
	if r.ValidatorSignature == "" && r.MinerSignature == "" {
		return errors.New("receipt carries no signatures")
	}
	if r.ValidatorSignature != "" {
		if err := r.VerifyValidator(); err != nil {
			return err
		}
	}
	if r.MinerSignature != "" {
		if err := r.VerifyMiner(); err != nil {
			return err
		}
	}
	return nil
}
