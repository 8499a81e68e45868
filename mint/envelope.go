package mint

import (
	"fmt"
	"reflect"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/fxamacker/cbor/v2"
)

// ProtocolTag marks an Atomicals envelope.
const ProtocolTag = "atom"

// maxChunkLen is the largest single push allowed by standardness.
const maxChunkLen = txscript.MaxScriptElementSize

var (
	cborMode    cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error
	cborMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodePayload returns the canonical CBOR encoding of payload, so equal
// payloads always produce the same commit address.
func EncodePayload(payload map[string]interface{}) ([]byte, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return cborMode.Marshal(payload)
}

func DecodePayload(data []byte) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := cborDecMode.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// RevealScript builds the tapscript leaf
// <xonly> OP_CHECKSIG OP_0 OP_IF "atom" <op> <payload chunks> OP_ENDIF.
func RevealScript(pub *btcec.PublicKey, op string, payload []byte) ([]byte, error) {
	b := txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(pub)).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_0).
		AddOp(txscript.OP_IF).
		AddData([]byte(ProtocolTag)).
		AddData([]byte(op))
	for i := 0; i < len(payload); i += maxChunkLen {
		end := i + maxChunkLen
		if end > len(payload) {
			end = len(payload)
		}
		b.AddFullData(payload[i:end])
	}
	return b.AddOp(txscript.OP_ENDIF).Script()
}

// Envelope is the taproot commitment to a reveal script.
type Envelope struct {
	InternalKey  *btcec.PublicKey
	Script       []byte
	ControlBlock []byte
	// PkScript is the commit output script paying to the tweaked key.
	PkScript []byte
}

func NewEnvelope(pub *btcec.PublicKey, op string, payload []byte) (*Envelope, error) {
	script, err := RevealScript(pub, op, payload)
	if err != nil {
		return nil, fmt.Errorf("build reveal script: %w", err)
	}

	leaf := txscript.NewBaseTapLeaf(script)
	tree := txscript.AssembleTaprootScriptTree(leaf)
	root := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(pub, root[:])
	pkScript, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return nil, err
	}

	ctrl := tree.LeafMerkleProofs[0].ToControlBlock(pub)
	ctrlBytes, err := ctrl.ToBytes()
	if err != nil {
		return nil, err
	}
	return &Envelope{
		InternalKey:  pub,
		Script:       script,
		ControlBlock: ctrlBytes,
		PkScript:     pkScript,
	}, nil
}

// RevealWitnessShape is the witness a script-path spend of the envelope
// carries once signed: a schnorr signature, the script and the control block.
func (e *Envelope) RevealWitnessShape() [][]byte {
	return [][]byte{make([]byte, schnorr.SignatureSize), e.Script, e.ControlBlock}
}

// ParseRevealScript extracts the op and payload bytes from a reveal leaf.
func ParseRevealScript(script []byte) (string, []byte, error) {
	tok := txscript.MakeScriptTokenizer(0, script)
	var pushes [][]byte
	inEnvelope := false
	for tok.Next() {
		switch {
		case tok.Opcode() == txscript.OP_IF:
			inEnvelope = true
		case tok.Opcode() == txscript.OP_ENDIF:
			inEnvelope = false
		case inEnvelope:
			pushes = append(pushes, tok.Data())
		}
	}
	if err := tok.Err(); err != nil {
		return "", nil, err
	}
	if len(pushes) < 2 || string(pushes[0]) != ProtocolTag {
		return "", nil, fmt.Errorf("no %s envelope", ProtocolTag)
	}
	var payload []byte
	for _, p := range pushes[2:] {
		payload = append(payload, p...)
	}
	return string(pushes[1]), payload, nil
}
