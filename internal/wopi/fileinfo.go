package wopi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type FileInfo struct {
	Name             string
	Size             int64
	Token            VersionToken
	OwnerID          string
	UserID           string
	UserFriendlyName string
	UserCanWrite     bool
	Version          string
}

type Content struct {
	Data  []byte
	Token VersionToken
}

type Location struct {
	Name string `json:"Name"`
	URL  string `json:"Url"`
}

type checkFileInfoPayload struct {
	BaseFileName     string          `json:"BaseFileName"`
	Size             int64           `json:"Size"`
	LastModifiedTime string          `json:"LastModifiedTime"`
	OwnerID          string          `json:"OwnerId"`
	UserID           string          `json:"UserId"`
	UserFriendlyName string          `json:"UserFriendlyName"`
	UserCanWrite     looseBool       `json:"UserCanWrite"`
	Version          json.RawMessage `json:"Version"`
}

type storeResponse struct {
	LastModifiedTime string `json:"LastModifiedTime"`
	LOOLStatusCode   int    `json:"LOOLStatusCode"`
}

// looseBool accepts both JSON booleans and the "true"/"false" strings some
// hosts send.
type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*b = false
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid boolean %s", string(data))
	}
	*b = looseBool(value)
	return nil
}

const (
	checkFileInfoSchemaURL = "https://docsync.local/schemas/checkfileinfo.json"
	storeResultSchemaURL   = "https://docsync.local/schemas/store-result.json"
	locationSchemaURL      = "https://docsync.local/schemas/location.json"
)

var schemaSources = map[string]string{
	checkFileInfoSchemaURL: `{
		"type": "object",
		"required": ["BaseFileName", "Size"],
		"properties": {
			"BaseFileName": {"type": "string", "minLength": 1},
			"Size": {"type": "integer", "minimum": 0},
			"LastModifiedTime": {"type": "string"},
			"OwnerId": {"type": "string"},
			"UserId": {"type": "string"},
			"UserFriendlyName": {"type": "string"},
			"UserCanWrite": {"type": ["boolean", "string"]},
			"Version": {"type": ["string", "integer"]}
		}
	}`,
	storeResultSchemaURL: `{
		"type": "object",
		"properties": {
			"LastModifiedTime": {"type": "string"},
			"LOOLStatusCode": {"type": "integer"}
		}
	}`,
	locationSchemaURL: `{
		"type": "object",
		"required": ["Name"],
		"properties": {
			"Name": {"type": "string", "minLength": 1},
			"Url": {"type": "string"}
		}
	}`,
}

var compiledSchemas = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	for url, source := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, err
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, err
		}
	}
	out := make(map[string]*jsonschema.Schema, len(schemaSources))
	for url := range schemaSources {
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, err
		}
		out[url] = schema
	}
	return out, nil
})

// decodeValidated checks payload against the schema at schemaURL before
// decoding it into out.
func decodeValidated(schemaURL string, payload []byte, out any) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if err := schemas[schemaURL].Validate(instance); err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

func (p checkFileInfoPayload) fileInfo() FileInfo {
	version := strings.TrimSpace(string(p.Version))
	if unquoted, err := strconv.Unquote(version); err == nil {
		version = unquoted
	} else if version == "null" {
		version = ""
	}
	return FileInfo{
		Name:             p.BaseFileName,
		Size:             p.Size,
		Token:            NewVersionToken(p.LastModifiedTime),
		OwnerID:          p.OwnerID,
		UserID:           p.UserID,
		UserFriendlyName: p.UserFriendlyName,
		UserCanWrite:     bool(p.UserCanWrite),
		Version:          version,
	}
}
