package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/encoding/scale"
	"github.com/forgenet/forge/encoding/ss58"
	"github.com/pkg/errors"
)

// Wire layout of one neuron in the neuronInfo_getNeuronsLite response:
//
//	hotkey    [32]byte
//	coldkey   [32]byte
//	uid       compact
//	active    bool
//	ip        u128 (ipv4 mapped into the low 32 bits)
//	port      u16
//	stake     compact (rao)
func decodeNeurons(raw string) ([]Neuron, error) {
	data, err := hexBytes(raw)
	if err != nil {
		return nil, err
	}
	d := scale.NewDecoder(data)
	count, err := d.VecLength()
	if err != nil {
		return nil, errors.Wrap(err, "neuron vector length")
	}
	cfg := params.ForgeNetworkConfig()
	neurons := make([]Neuron, 0, count)
	for i := 0; i < count; i++ {
		n, err := decodeNeuron(d, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "neuron %d", i)
		}
		neurons = append(neurons, n)
	}
	return neurons, nil
}

func decodeNeuron(d *scale.Decoder, cfg *params.ForgeConfig) (Neuron, error) {
	var n Neuron
	hotkey, err := d.FixedBytes(ss58.PubKeyLength)
	if err != nil {
		return n, err
	}
	coldkey, err := d.FixedBytes(ss58.PubKeyLength)
	if err != nil {
		return n, err
	}
	uid, err := d.Compact()
	if err != nil {
		return n, err
	}
	active, err := d.Bool()
	if err != nil {
		return n, err
	}
	ip, err := d.Uint128()
	if err != nil {
		return n, err
	}
	port, err := d.Uint16()
	if err != nil {
		return n, err
	}
	stakeRao, err := d.Compact()
	if err != nil {
		return n, err
	}
	n.Hotkey, err = ss58.Encode(hotkey, cfg.SS58Prefix)
	if err != nil {
		return n, err
	}
	n.Coldkey, err = ss58.Encode(coldkey, cfg.SS58Prefix)
	if err != nil {
		return n, err
	}
	n.UID = uint16(uid)
	n.Stake = float64(stakeRao) / cfg.RAOPerUnit
	if active {
		n.Axon = AxonInfo{IP: ipString(ip), Port: port}
	}
	return n, nil
}

// decodeSubnetState parses the subnetInfo_getSubnetState response: a vector
// of compact rao stake amounts indexed by uid.
func decodeSubnetState(raw string) (*SubnetState, error) {
	data, err := hexBytes(raw)
	if err != nil {
		return nil, err
	}
	d := scale.NewDecoder(data)
	count, err := d.VecLength()
	if err != nil {
		return nil, errors.Wrap(err, "stake vector length")
	}
	cfg := params.ForgeNetworkConfig()
	state := &SubnetState{TotalStake: make([]float64, 0, count)}
	for i := 0; i < count; i++ {
		rao, err := d.Compact()
		if err != nil {
			return nil, errors.Wrapf(err, "stake entry %d", i)
		}
		state.TotalStake = append(state.TotalStake, float64(rao)/cfg.RAOPerUnit)
	}
	return state, nil
}

// decodeTimestampExtrinsic extracts the millisecond moment from the
// timestamp-set inherent, always the first extrinsic of a block:
// compact(length) || version || call index (2 bytes) || compact(moment_ms).
func decodeTimestampExtrinsic(raw string) (time.Time, error) {
	data, err := hexBytes(raw)
	if err != nil {
		return time.Time{}, err
	}
	d := scale.NewDecoder(data)
	if _, err := d.Compact(); err != nil {
		return time.Time{}, errors.Wrap(err, "extrinsic length")
	}
	if _, err := d.Byte(); err != nil {
		return time.Time{}, errors.Wrap(err, "extrinsic version")
	}
	if _, err := d.FixedBytes(2); err != nil {
		return time.Time{}, errors.Wrap(err, "call index")
	}
	ms, err := d.Compact()
	if err != nil {
		return time.Time{}, errors.Wrap(err, "timestamp moment")
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func hexBytes(raw string) ([]byte, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "response is not hex")
	}
	return data, nil
}

func ipString(ip *big.Int) string {
	if ip.Sign() == 0 {
		return ""
	}
	if ip.BitLen() <= 32 {
		v := ip.Uint64()
		return fmt.Sprintf("%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	raw := make([]byte, 16)
	ip.FillBytes(raw)
	parts := make([]string, 8)
	for i := 0; i < 8; i++ {
		parts[i] = fmt.Sprintf("%x", uint16(raw[2*i])<<8|uint16(raw[2*i+1]))
	}
	return strings.Join(parts, ":")
}
