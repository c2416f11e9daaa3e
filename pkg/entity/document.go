package entity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"mist-chat/go-core/internal/mcrypto"
	"mist-chat/go-core/pkg/ids"
)

const (
	// DocumentTypeVisa is a user's profile document, carrying the
	// encryption public key peers seal message keys to.
	DocumentTypeVisa = "visa"
	// DocumentTypeBulletin is a group's profile document, naming the
	// assistant bots allowed to query history on members' behalf.
	DocumentTypeBulletin = "bulletin"
)

var (
	ErrInvalidDocument = errors.New("invalid document")
	ErrDocumentSign    = errors.New("document signing failed")
)

// Document is mutable, self-signed profile data: canonical JSON properties
// plus the entity's signature over those bytes. The newest valid document
// of a sub-type wins when several are present.
type Document struct {
	Type      string         `json:"type"`
	ID        ids.Identifier `json:"-"`
	Data      []byte         `json:"data"`
	Signature []byte         `json:"signature"`
}

// NewDocument marshals properties and signs them. The "time" property is
// required; callers that omit it get the current time.
func NewDocument(docType string, id ids.Identifier, properties map[string]any, signingPriv []byte) (Document, error) {
	if properties == nil {
		properties = map[string]any{}
	}
	if _, ok := properties["time"]; !ok {
		properties["time"] = time.Now().UTC().Unix()
	}
	data, err := json.Marshal(properties)
	if err != nil {
		return Document{}, ErrDocumentSign
	}
	signature, err := mcrypto.Sign(signingPriv, data)
	if err != nil {
		return Document{}, err
	}
	return Document{Type: docType, ID: id, Data: data, Signature: signature}, nil
}

// Verify checks the self-signature with the entity's verification key.
func (d Document) Verify(pub []byte) bool {
	if len(d.Data) == 0 || len(d.Signature) == 0 {
		return false
	}
	return mcrypto.Verify(pub, d.Data, d.Signature)
}

// Properties decodes the signed JSON payload.
func (d Document) Properties() (map[string]any, error) {
	if len(d.Data) == 0 {
		return nil, ErrInvalidDocument
	}
	var props map[string]any
	if err := json.Unmarshal(d.Data, &props); err != nil {
		return nil, ErrInvalidDocument
	}
	return props, nil
}

// Time returns the document timestamp, or the zero time when unreadable.
func (d Document) Time() time.Time {
	props, err := d.Properties()
	if err != nil {
		return time.Time{}
	}
	switch v := props["time"].(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	default:
		return time.Time{}
	}
}

// NewVisa builds a visa carrying the user's encryption public key.
func NewVisa(id ids.Identifier, encryptionPub []byte, signingPriv []byte) (Document, error) {
	props := map[string]any{
		"key": base64.StdEncoding.EncodeToString(encryptionPub),
	}
	return NewDocument(DocumentTypeVisa, id, props, signingPriv)
}

// EncryptionKey extracts the visa's encryption public key.
func (d Document) EncryptionKey() ([]byte, error) {
	if d.Type != DocumentTypeVisa {
		return nil, ErrInvalidDocument
	}
	props, err := d.Properties()
	if err != nil {
		return nil, err
	}
	encoded, ok := props["key"].(string)
	if !ok || encoded == "" {
		return nil, ErrInvalidDocument
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidDocument
	}
	return key, nil
}

// NewVisaWithVerifyKey builds a visa that additionally rotates the
// signature verification key. Peers prefer it over the meta key; the
// visa itself stays self-signed with the meta key, so the rotation is
// still rooted in the identity.
func NewVisaWithVerifyKey(id ids.Identifier, encryptionPub, verifyPub, signingPriv []byte) (Document, error) {
	props := map[string]any{
		"key":        base64.StdEncoding.EncodeToString(encryptionPub),
		"verify_key": base64.StdEncoding.EncodeToString(verifyPub),
	}
	return NewDocument(DocumentTypeVisa, id, props, signingPriv)
}

// VerificationKey extracts a rotated signing key the visa declares, if
// any. Most visas carry only an encryption key.
func (d Document) VerificationKey() ([]byte, bool) {
	if d.Type != DocumentTypeVisa {
		return nil, false
	}
	props, err := d.Properties()
	if err != nil {
		return nil, false
	}
	encoded, ok := props["verify_key"].(string)
	if !ok || encoded == "" {
		return nil, false
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	return key, true
}

// NewBulletin builds a group bulletin naming its assistant bots.
func NewBulletin(id ids.Identifier, assistants []ids.Identifier, signingPriv []byte) (Document, error) {
	list := make([]string, 0, len(assistants))
	for _, a := range assistants {
		list = append(list, a.String())
	}
	props := map[string]any{
		"assistants": list,
	}
	return NewDocument(DocumentTypeBulletin, id, props, signingPriv)
}

// Assistants extracts the bulletin's assistant bot identifiers. Entries
// that fail to parse are skipped rather than failing the whole document.
func (d Document) Assistants() ([]ids.Identifier, error) {
	if d.Type != DocumentTypeBulletin {
		return nil, ErrInvalidDocument
	}
	props, err := d.Properties()
	if err != nil {
		return nil, err
	}
	raw, ok := props["assistants"].([]any)
	if !ok {
		return nil, nil
	}
	out := make([]ids.Identifier, 0, len(raw))
	for _, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			continue
		}
		id, err := ids.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// NewestValid picks the most recent document of a sub-type that verifies
// against the given key. Returns false when none qualifies.
func NewestValid(docs []Document, docType string, pub []byte) (Document, bool) {
	var best Document
	found := false
	for _, doc := range docs {
		if doc.Type != docType || !doc.Verify(pub) {
			continue
		}
		if !found || doc.Time().After(best.Time()) {
			best = doc
			found = true
		}
	}
	return best, found
}
