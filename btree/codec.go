package btree

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/rickcollette/ledgerdb/record"
)

// blobCodec turns nodes into self-describing blobs and back. The JSON form
// keeps amounts as quoted decimal strings and dates as ISO-8601, so both
// round-trip exactly. With a key set, blobs are sealed with
// XChaCha20-Poly1305 and carry the nonce as a prefix.
type blobCodec struct {
	key []byte
}

type keyJSON struct {
	Account  string    `json:"account"`
	Date     time.Time `json:"date"`
	Sequence uint32    `json:"sequence"`
}

type recordJSON struct {
	Account     string          `json:"account"`
	Date        time.Time       `json:"date"`
	Sequence    uint32          `json:"sequence"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

type refJSON struct {
	First  keyJSON         `json:"first"`
	Last   keyJSON         `json:"last"`
	Child  uint64          `json:"child"`
	Amount decimal.Decimal `json:"amount"`
}

type nodeJSON struct {
	ID       uint64          `json:"id"`
	Leaf     bool            `json:"leaf"`
	Records  []recordJSON    `json:"records,omitempty"`
	Children []refJSON       `json:"children,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
}

// Ext returns the blob file extension for this codec.
func (c blobCodec) Ext() string {
	if len(c.key) > 0 {
		return ".json.enc"
	}
	return ".json"
}

func keyToJSON(k record.Key) keyJSON {
	return keyJSON{Account: k.Account, Date: k.Date, Sequence: k.Sequence}
}

func keyFromJSON(k keyJSON) record.Key {
	return record.NewKey(k.Account, k.Date, k.Sequence)
}

// Encode serializes n, sealing the payload when a key is configured.
func (c blobCodec) Encode(n *Node) ([]byte, error) {
	out := nodeJSON{ID: uint64(n.ID), Leaf: n.Leaf, Amount: n.Amount}
	if n.Leaf {
		out.Records = make([]recordJSON, len(n.Records))
		for i, r := range n.Records {
			out.Records[i] = recordJSON{
				Account:     r.Key.Account,
				Date:        r.Key.Date,
				Sequence:    r.Key.Sequence,
				Description: r.Description,
				Amount:      r.Amount,
			}
		}
	} else {
		out.Children = make([]refJSON, len(n.Children))
		for i, ref := range n.Children {
			out.Children[i] = refJSON{
				First:  keyToJSON(ref.First),
				Last:   keyToJSON(ref.Last),
				Child:  uint64(ref.Child),
				Amount: ref.Amount,
			}
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node %d: %w", n.ID, err)
	}
	if len(c.key) == 0 {
		return data, nil
	}
	return c.seal(data)
}

// Decode deserializes a blob produced by Encode.
func (c blobCodec) Decode(data []byte) (*Node, error) {
	if len(c.key) > 0 {
		var err error
		if data, err = c.open(data); err != nil {
			return nil, err
		}
	}
	var in nodeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: undecodable node blob: %v", ErrInvariant, err)
	}
	n := &Node{ID: NodeID(in.ID), Leaf: in.Leaf, Amount: in.Amount}
	if in.Leaf {
		n.Records = make([]record.Record, len(in.Records))
		for i, r := range in.Records {
			n.Records[i] = record.Record{
				Key:         record.NewKey(r.Account, r.Date, r.Sequence),
				Description: r.Description,
				Amount:      r.Amount,
			}
		}
	} else {
		n.Children = make([]NodeRef, len(in.Children))
		for i, ref := range in.Children {
			n.Children[i] = NodeRef{
				First:  keyFromJSON(ref.First),
				Last:   keyFromJSON(ref.Last),
				Child:  NodeID(ref.Child),
				Amount: ref.Amount,
			}
		}
	}
	return n, nil
}

func (c blobCodec) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to init blob cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to draw blob nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c blobCodec) open(data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to init blob cipher: %w", err)
	}
	if len(data) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: sealed node blob shorter than nonce", ErrInvariant)
	}
	nonce, sealed := data[:chacha20poly1305.NonceSizeX], data[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: sealed node blob failed to open: %v", ErrInvariant, err)
	}
	return plaintext, nil
}
