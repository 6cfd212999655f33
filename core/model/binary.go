package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
)

// Binary is a byte payload that serializes as a tagged base64 wrapper,
// {"_base64": "..."}, so raw chunk buffers survive json transport
// between nodes and to the browser. Plain base64 strings are accepted
// on decode for clients that skip the wrapper.
type Binary []byte

type base64Wrapper struct {
	Base64 string `json:"_base64"`
}

func (b Binary) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64Wrapper{Base64: base64.StdEncoding.EncodeToString(b)})
}

func (b *Binary) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		var wrapper base64Wrapper
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return err
		}

		decoded, err := base64.StdEncoding.DecodeString(wrapper.Base64)
		if err != nil {
			return err
		}

		*b = decoded
		return nil
	}

	var plain string
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}

	decoded, err := base64.StdEncoding.DecodeString(plain)
	if err != nil {
		return err
	}

	*b = decoded
	return nil
}
