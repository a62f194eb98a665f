package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprints identify a cacheable/dedupable unit of work: the operation,
// the logical model, the payload, and the parameters that affect output.
// When tenantScoped is true the tenant ID participates in the hash, so
// identical prompts from different tenants never share cache entries or
// in-flight calls.
//
// Keys are structured as "<op>:<model>:<sha256-hex>" so that pattern
// invalidation can target an operation or a logical model without knowing
// individual hashes (e.g. "generate:gpt-4:*").

const (
	opGenerate = "generate"
	opStream   = "generate_stream"
	opEmbed    = "embed"
)

func generateFingerprint(tenantScoped bool, req *GenerateRequest) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}
	data, _ := json.Marshal(struct {
		Op   string `json:"op"`
		Tn   string `json:"tn"`
		M    string `json:"m"`
		T    string `json:"t"`
		MT   int    `json:"mt"`
		Msgs []msg  `json:"msgs"`
	}{
		opGenerate,
		scopedTenant(tenantScoped, req.TenantID),
		req.Model,
		fmt.Sprintf("%.2f", req.Temperature),
		req.MaxTokens,
		msgs,
	})
	h := sha256.Sum256(data)
	return opGenerate + ":" + req.Model + ":" + hex.EncodeToString(h[:])
}

func embedFingerprint(tenantScoped bool, req *EmbedRequest) string {
	data, _ := json.Marshal(struct {
		Op    string   `json:"op"`
		Tn    string   `json:"tn"`
		M     string   `json:"m"`
		Texts []string `json:"texts"`
	}{
		opEmbed,
		scopedTenant(tenantScoped, req.TenantID),
		req.Model,
		req.Texts,
	})
	h := sha256.Sum256(data)
	return opEmbed + ":" + req.Model + ":" + hex.EncodeToString(h[:])
}

func scopedTenant(tenantScoped bool, tenant string) string {
	if tenantScoped {
		return tenant
	}
	return ""
}
