// Stored responses are packed in the protobuf wire format so that rows written by one agent version stay readable
// by the next one: decoders skip fields they don't know. The layout is
//
//	1: status (varint)     2: type (bytes)        3: url (bytes)
//	4: stored_at (varint, unix nanos)             5: header (bytes, repeated; 1: name, 2: value)
//	6: body (bytes)

package storage

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldStatus   protowire.Number = 1
	fieldType     protowire.Number = 2
	fieldURL      protowire.Number = 3
	fieldStoredAt protowire.Number = 4
	fieldHeader   protowire.Number = 5
	fieldBody     protowire.Number = 6

	fieldHeaderName  protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

var errEmptyResponse = errors.New("packed response is empty")

// packResponse serializes `resp` into a single byte slice.
func packResponse(resp *Response) []byte {
	var buffer []byte
	buffer = protowire.AppendTag(buffer, fieldStatus, protowire.VarintType)
	buffer = protowire.AppendVarint(buffer, uint64(resp.Status))
	buffer = protowire.AppendTag(buffer, fieldType, protowire.BytesType)
	buffer = protowire.AppendString(buffer, string(resp.Type))
	if resp.URL != "" {
		buffer = protowire.AppendTag(buffer, fieldURL, protowire.BytesType)
		buffer = protowire.AppendString(buffer, resp.URL)
	}
	if !resp.StoredAt.IsZero() {
		buffer = protowire.AppendTag(buffer, fieldStoredAt, protowire.VarintType)
		buffer = protowire.AppendVarint(buffer, uint64(resp.StoredAt.UnixNano()))
	}
	for name, values := range resp.Header {
		for _, value := range values {
			var header []byte
			header = protowire.AppendTag(header, fieldHeaderName, protowire.BytesType)
			header = protowire.AppendString(header, name)
			header = protowire.AppendTag(header, fieldHeaderValue, protowire.BytesType)
			header = protowire.AppendString(header, value)
			buffer = protowire.AppendTag(buffer, fieldHeader, protowire.BytesType)
			buffer = protowire.AppendBytes(buffer, header)
		}
	}
	buffer = protowire.AppendTag(buffer, fieldBody, protowire.BytesType)
	buffer = protowire.AppendBytes(buffer, resp.Body)
	return buffer
}

// unpackHeader decodes one header pair.
func unpackHeader(packed []byte) (name, value string, err error) {
	for len(packed) > 0 {
		num, typ, n := protowire.ConsumeTag(packed)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		packed = packed[n:]
		if typ != protowire.BytesType || (num != fieldHeaderName && num != fieldHeaderValue) {
			if n = protowire.ConsumeFieldValue(num, typ, packed); n < 0 {
				return "", "", protowire.ParseError(n)
			}
			packed = packed[n:]
			continue
		}
		s, n := protowire.ConsumeString(packed)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		packed = packed[n:]
		if num == fieldHeaderName {
			name = s
		} else {
			value = s
		}
	}
	if name == "" {
		return "", "", errors.New("header without a name")
	}
	return name, value, nil
}

// unpackResponse deserializes a byte slice produced by packResponse.
func unpackResponse(packed []byte) (*Response, error) {
	if len(packed) == 0 {
		return nil, errEmptyResponse
	}
	resp := &Response{Header: make(http.Header), Body: []byte{}}
	for len(packed) > 0 {
		num, typ, n := protowire.ConsumeTag(packed)
		if n < 0 {
			return nil, fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		packed = packed[n:]
		switch {
		case (num == fieldStatus || num == fieldStoredAt) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(packed)
			if n < 0 {
				return nil, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
			}
			packed = packed[n:]
			if num == fieldStatus {
				resp.Status = int(v)
			} else {
				resp.StoredAt = time.Unix(0, int64(v))
			}
		case (num == fieldType || num == fieldURL || num == fieldHeader || num == fieldBody) &&
			typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(packed)
			if n < 0 {
				return nil, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
			}
			packed = packed[n:]
			switch num {
			case fieldType:
				resp.Type = ResponseType(v)
			case fieldURL:
				resp.URL = string(v)
			case fieldBody:
				resp.Body = append([]byte{}, v...)
			case fieldHeader:
				name, value, err := unpackHeader(v)
				if err != nil {
					return nil, fmt.Errorf("bad header: %w", err)
				}
				resp.Header.Add(name, value)
			}
		default: // Unknown or mistyped field; skip it.
			if n = protowire.ConsumeFieldValue(num, typ, packed); n < 0 {
				return nil, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
			}
			packed = packed[n:]
		}
	}
	if resp.Status == 0 {
		return nil, errors.New("packed response has no status")
	}
	return resp, nil
}
