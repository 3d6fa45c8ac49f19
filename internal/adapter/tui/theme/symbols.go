package theme

import (
	"os"
	"strings"
)

// SymbolSet holds the glyphs the client prints, with an ASCII fallback.
type SymbolSet struct {
	Success string
	Error   string
	Warning string
	Bullet  string
	Active  string
	Tool    string
	User    string
	Bot     string
}

var unicodeSymbols = SymbolSet{
	Success: "\u2713", // ✓
	Error:   "\u2717", // ✗
	Warning: "\u26A0", // ⚠
	Bullet:  "\u2022", // •
	Active:  "\u25B6", // ▶
	Tool:    "\u2699", // ⚙
	User:    "You",
	Bot:     "TestScribe",
}

var asciiSymbols = SymbolSet{
	Success: "[OK]",
	Error:   "[ERR]",
	Warning: "[!]",
	Bullet:  "*",
	Active:  ">",
	Tool:    "[tool]",
	User:    "You",
	Bot:     "TestScribe",
}

// Symbols is the active set, picked by InitSymbols.
var Symbols = unicodeSymbols

// DetectUnicodeSupport reports whether the terminal likely renders
// Unicode. TESTSCRIBE_ASCII_SYMBOLS=1 forces ASCII.
func DetectUnicodeSupport() bool {
	if v := os.Getenv("TESTSCRIBE_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return true
		}
	}
	return true
}

// InitSymbols selects the symbol set for the current environment.
func InitSymbols() {
	if DetectUnicodeSupport() {
		Symbols = unicodeSymbols
		return
	}
	Symbols = asciiSymbols
}

func init() {
	InitSymbols()
}
