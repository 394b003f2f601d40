package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func applyNamed(t *testing.T, name, value string) string {
	t.Helper()
	out, known := applyTransform(name, value, "https://shop.example.com/catalog/page")
	if !known {
		t.Fatalf("transform %q not recognized", name)
	}
	return out
}

func TestExtractNumberFormats(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"us style", "1,234.56", "1234.56"},
		{"eu style", "1.234,56", "1234.56"},
		{"spaces as thousands", "1 234,56", "1234.56"},
		{"nbsp as thousands", "1 234,56", "1234.56"},
		{"comma thousands", "1,234", "1234"},
		{"comma decimal two digits", "12,34", "12.34"},
		{"comma four digits is thousands", "1,2345", "12345"},
		{"plain integer", "42", "42"},
		{"currency prefix", "$1,299.99", "1299.99"},
		{"currency suffix", "1 299,99 ₽", "1299.99"},
		{"embedded in text", "In stock: 17 items", "17"},
		{"first number wins", "Showing 1-20 of 345", "1"},
		{"trailing separator dropped", "1,234.", "1234"},
		{"no number", "sold out", "sold out"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyNamed(t, "extract_number", tt.input)
			if got != tt.want {
				t.Errorf("extract_number(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Number extraction is format-symmetric between US and EU separator styles.
func TestExtractNumberSymmetry(t *testing.T) {
	us := applyNamed(t, "extract_number", "1,234.56")
	eu := applyNamed(t, "extract_number", "1.234,56")
	assert.Equal(t, "1234.56", us)
	assert.Equal(t, us, eu)
}

func TestExtractIntAndPrice(t *testing.T) {
	assert.Equal(t, "1234", applyNamed(t, "extract_int", "1.234,56"))
	assert.Equal(t, "17", applyNamed(t, "extract_int", "17 reviews"))
	assert.Equal(t, "1299.99", applyNamed(t, "extract_price", "$1,299.99"))
	assert.Equal(t, "99.90", applyNamed(t, "extract_price", "$ 99.9"))
}

func TestTextTransforms(t *testing.T) {
	tests := []struct {
		transform string
		input     string
		want      string
	}{
		{"trim", "  hello  ", "hello"},
		{"lowercase", "HeLLo", "hello"},
		{"uppercase", "hello", "HELLO"},
		{"capitalize", "hELLO WORLD", "Hello world"},
		{"title", "hello wide world", "Hello Wide World"},
		{"normalize_whitespace", "  a \t b\n\n c ", "a b c"},
		{"remove_newlines", "line1\nline2\r\nline3", "line1 line2 line3"},
		{"strip_html", "<p>Price: <b>42</b></p>", "Price: 42"},
		{"strip_html", "<div><script>var x=1;</script>text</div>", "text"},
		{"decode_entities", "Tom &amp; Jerry &#8212; друзья", "Tom & Jerry — друзья"},
	}

	for _, tt := range tests {
		t.Run(tt.transform+"/"+tt.input, func(t *testing.T) {
			got := applyNamed(t, tt.transform, tt.input)
			if got != tt.want {
				t.Errorf("%s(%q) = %q, want %q", tt.transform, tt.input, got, tt.want)
			}
		})
	}
}

func TestToBoolTokens(t *testing.T) {
	truthy := []string{"true", "Yes", "y", "1", "on", "da", "est", "In Stock"}
	falsy := []string{"false", "No", "n", "0", "off", "net", "nyet", ""}

	for _, v := range truthy {
		assert.Equal(t, "true", applyNamed(t, "to_bool", v), "input %q", v)
	}
	for _, v := range falsy {
		assert.Equal(t, "false", applyNamed(t, "to_bool", v), "input %q", v)
	}
}

func TestURLTransforms(t *testing.T) {
	assert.Equal(t, "https://shop.example.com/item/7",
		applyNamed(t, "absolute_url", "/item/7"))
	assert.Equal(t, "https://shop.example.com/catalog/item/7",
		applyNamed(t, "absolute_url", "item/7"))
	assert.Equal(t, "https://other.example.org/x",
		applyNamed(t, "absolute_url", "https://other.example.org/x"))
	// javascript pseudo-URLs never resolve
	assert.Equal(t, "javascript:void(0)", applyNamed(t, "absolute_url", "javascript:void(0)"))

	assert.Equal(t, "shop.example.com", applyNamed(t, "extract_domain", "https://shop.example.com/catalog"))
	assert.Equal(t, "shop.example.com", applyNamed(t, "extract_domain", "shop.example.com/catalog"))
}

func TestParseDateFormats(t *testing.T) {
	tests := []struct {
		transform string
		input     string
		want      string
	}{
		{"parse_date", "2025-03-14", "2025-03-14"},
		{"parse_date", "14.03.2025", "2025-03-14"},
		{"parse_date", "14/03/2025", "2025-03-14"},
		{"parse_date", "March 14, 2025", "2025-03-14"},
		{"parse_date", "not a date", "not a date"},
		{"parse_datetime", "2025-03-14 10:30:00", "2025-03-14T10:30:00Z"},
		{"parse_datetime", "2025-03-14T10:30:00Z", "2025-03-14T10:30:00Z"},
		{"parse_datetime", "garbage", "garbage"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := applyNamed(t, tt.transform, tt.input)
			if got != tt.want {
				t.Errorf("%s(%q) = %q, want %q", tt.transform, tt.input, got, tt.want)
			}
		})
	}
}

func TestParameterizedTransforms(t *testing.T) {
	tests := []struct {
		spec  string
		input string
		want  string
	}{
		{"regex:SKU-(\\d+)", "item SKU-9981 listed", "9981"},
		{"regex:SKU-\\d+", "item SKU-9981 listed", "SKU-9981"},
		{"regex:price=(\\d+):1", "price=45", "45"},
		{"regex:(\\d+)-(\\d+):2", "10-25", "25"},
		{"regex:nomatch(\\d+)", "hello", "hello"},
		{"replace:₽:RUB", "100 ₽", "100 RUB"},
		{"replace:a:b", "banana", "bbnbnb"},
		{"substr:0:4", "abcdefgh", "abcd"},
		{"substr:2", "abcdefgh", "cdefgh"},
		{"substr:-3", "abcdefgh", "fgh"},
		{"substr:0:-2", "abcdefgh", "abcdef"},
		{"substr:5:2", "abcdefgh", ""},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			out, known := applyTransform(tt.spec, tt.input, "")
			if !known {
				t.Fatalf("transform %q not recognized", tt.spec)
			}
			if out != tt.want {
				t.Errorf("%s(%q) = %q, want %q", tt.spec, tt.input, out, tt.want)
			}
		})
	}
}

// Dot-all: a regex transform crosses line boundaries.
func TestRegexTransformDotAll(t *testing.T) {
	out, _ := applyTransform("regex:start(.*)end", "start\nline1\nline2\nend", "")
	assert.Equal(t, "\nline1\nline2\n", out)
}

func TestUnknownTransformIsNoOp(t *testing.T) {
	out, known := applyTransform("made_up_transform", "value", "")
	assert.False(t, known)
	assert.Equal(t, "value", out)
}

// trim is idempotent: applying it twice equals applying it once.
func TestTrimIdempotent(t *testing.T) {
	once := applyNamed(t, "trim", "  padded  ")
	twice := applyNamed(t, "trim", once)
	assert.Equal(t, once, twice)
}

func TestParseJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, applyNamed(t, "parse_json", " {\"a\": 1} "))
	assert.Equal(t, "not json", applyNamed(t, "parse_json", "not json"))
}

func TestValidateTransform(t *testing.T) {
	assert.NoError(t, ValidateTransform("trim"))
	assert.NoError(t, ValidateTransform("regex:(\\d+)"))
	assert.Error(t, ValidateTransform("regex:([unclosed"))
	assert.NoError(t, ValidateTransform("substr:0:5"))
	assert.Error(t, ValidateTransform("substr:abc"))
	// Unknown names pass validation; they degrade to logged no-ops at runtime.
	assert.NoError(t, ValidateTransform("no_such_transform"))
}
