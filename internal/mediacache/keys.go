// Package mediacache maps logical media keys to provider media handles.
package mediacache

import (
	"path"
	"strings"
)

// DefaultAliases maps historical asset filename variants to canonical keys.
var DefaultAliases = map[string]string{
	"explicando_e_fala_da_provasocial":  "explicando_e_fala_da_prova_social",
	"explicando_e_fala_da_prova-social": "explicando_e_fala_da_prova_social",
	"transicao_assistente":              "transicaoassistente",
	"boasvindas":                        "boas_vindas",
	"prova_social_1":                    "provasocial1",
	"prova_social_2":                    "provasocial2",
	"prova_social_3":                    "provasocial3",
}

// KeyTable derives canonical logical keys from asset references.
type KeyTable struct {
	aliases map[string]string
}

// NewKeyTable creates a table from DefaultAliases plus extra. Entries in
// extra override defaults.
func NewKeyTable(extra map[string]string) *KeyTable {
	aliases := make(map[string]string, len(DefaultAliases)+len(extra))
	for from, to := range DefaultAliases {
		aliases[baseKey(from)] = baseKey(to)
	}
	for from, to := range extra {
		if from = baseKey(from); from != "" {
			aliases[from] = baseKey(to)
		}
	}
	return &KeyTable{aliases: aliases}
}

// Normalize strips directories, query strings and the extension, lowercases
// the result and maps it through the alias table.
func (t *KeyTable) Normalize(ref string) string {
	key := baseKey(ref)
	if canonical, ok := t.aliases[key]; ok {
		return canonical
	}
	return key
}

var defaultTable = NewKeyTable(nil)

// NormalizeKey normalizes ref with the default alias table.
func NormalizeKey(ref string) string {
	return defaultTable.Normalize(ref)
}

func baseKey(ref string) string {
	s := strings.TrimSpace(ref)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = path.Base(strings.ReplaceAll(s, "\\", "/"))
	if s == "." || s == "/" {
		return ""
	}
	s = strings.TrimSuffix(s, path.Ext(s))
	return strings.ToLower(strings.TrimSpace(s))
}
