package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/models"
)

const catalogBase = "https://shop.example.com/catalog"

func testEngine() *Engine {
	return NewEngine(arbor.NewLogger())
}

func compileForTest(t *testing.T, schema *models.ParsingSchema) *CompiledSchema {
	t.Helper()
	if schema.SourceID == "" {
		schema.SourceID = "test-source"
	}
	if schema.ID == "" {
		schema.ID = "schema_test"
	}
	if schema.Mode == "" {
		schema.Mode = models.ModeHTTP
	}
	cs, err := CompileSchema(schema)
	require.NoError(t, err)
	return cs
}

func parseForTest(t *testing.T, body string) *Document {
	t.Helper()
	doc, err := ParseDocument(catalogBase, body)
	require.NoError(t, err)
	return doc
}

func productCatalogSchema() *models.ParsingSchema {
	return &models.ParsingSchema{
		ID:            "schema_products",
		SourceID:      "example-shop",
		Version:       1,
		ItemContainer: "div.product-card",
		Mode:          models.ModeHTTP,
		Fields: []models.FieldDef{
			{Name: "name", Type: models.FieldTypeString, Method: models.MethodCSS, Selector: "h2.product-name", Required: true},
			{Name: "price", Type: models.FieldTypeFloat, Method: models.MethodCSS, Selector: "span.price@data-raw",
				Transformations: []string{"extract_number"}, Required: true},
			{Name: "url", Type: models.FieldTypeURL, Method: models.MethodCSS, Selector: "a.product-link@href",
				Transformations: []string{"absolute_url"}},
		},
		MinFieldsRequired: 2,
	}
}

const catalogHTML = `<html><body>
<div class="product-card">
  <h2 class="product-name">Widget Alpha</h2>
  <span class="price" data-raw="1,299.99">$1,299.99</span>
  <a class="product-link" href="/item/1">view</a>
</div>
<div class="product-card">
  <h2 class="product-name">Widget Beta</h2>
  <span class="price" data-raw="49.50">$49.50</span>
  <a class="product-link" href="/item/2">view</a>
</div>
<div class="product-card">
  <h2 class="product-name">Widget Gamma</h2>
  <span class="price" data-raw="5">$5</span>
  <a class="product-link" href="https://cdn.example.org/item/3">view</a>
</div>
</body></html>`

// Three fully populated cards extract to three valid records with absolute URLs.
func TestExtractCatalog(t *testing.T) {
	cs := compileForTest(t, productCatalogSchema())
	doc := parseForTest(t, catalogHTML)

	res := testEngine().Extract(doc, cs)

	assert.Equal(t, 3, res.Stats.RecordsExtracted)
	assert.Equal(t, 3, res.Stats.RecordsValid)
	assert.Equal(t, 0, res.Stats.RecordsRejected)
	require.Len(t, res.Records, 3)

	first := res.Records[0]
	assert.Equal(t, "Widget Alpha", first["name"].Str)
	assert.InDelta(t, 1299.99, first["price"].Float, 0.001)
	assert.Equal(t, "https://shop.example.com/item/1", first["url"].Str)

	// Record-root order is preserved.
	assert.Equal(t, "Widget Beta", res.Records[1]["name"].Str)
	assert.Equal(t, "Widget Gamma", res.Records[2]["name"].Str)
	assert.Equal(t, "https://cdn.example.org/item/3", res.Records[2]["url"].Str)
}

// A card missing a required field is rejected; the other records survive and
// the counts still add up.
func TestExtractRequiredFieldMissing(t *testing.T) {
	html := `<html><body>
<div class="product-card">
  <h2 class="product-name">Widget Alpha</h2>
  <span class="price" data-raw="10.00">$10.00</span>
</div>
<div class="product-card">
  <h2 class="product-name">No Price Widget</h2>
</div>
<div class="product-card">
  <h2 class="product-name">Widget Gamma</h2>
  <span class="price" data-raw="30.00">$30.00</span>
</div>
</body></html>`

	cs := compileForTest(t, productCatalogSchema())
	doc := parseForTest(t, html)

	res := testEngine().Extract(doc, cs)

	assert.Equal(t, 3, res.Stats.RecordsExtracted)
	assert.Equal(t, 2, res.Stats.RecordsValid)
	assert.Equal(t, 1, res.Stats.RecordsRejected)
	assert.Equal(t, res.Stats.RecordsExtracted, res.Stats.RecordsValid+res.Stats.RecordsRejected)

	require.Len(t, res.Rejected, 1)
	rej := res.Rejected[0]
	assert.Equal(t, 1, rej.Index)
	assert.Equal(t, "No Price Widget", rej.Fields["name"].Str)
	require.NotEmpty(t, rej.Reasons)
	assert.Contains(t, rej.Reasons[0], "price")
}

// When the primary selector misses, the first fallback that yields a value
// rescues the field.
func TestExtractFallbackRescue(t *testing.T) {
	html := `<html><body>
<div class="product-card">
  <h2 class="product-name">Widget</h2>
  <span class="alternate-price" data-raw="77.70">77,70</span>
</div>
</body></html>`

	schema := productCatalogSchema()
	schema.Fields[1].FallbackSelectors = []string{"span.alternate-price@data-raw"}
	cs := compileForTest(t, schema)
	doc := parseForTest(t, html)

	res := testEngine().Extract(doc, cs)

	require.Len(t, res.Records, 1)
	assert.InDelta(t, 77.70, res.Records[0]["price"].Float, 0.001)
}

// When the primary selector yields a value, fallbacks are never consulted.
func TestExtractPrimaryWinsOverFallback(t *testing.T) {
	html := `<html><body>
<div class="product-card">
  <h2 class="product-name">Widget</h2>
  <span class="price" data-raw="10.00">primary</span>
  <span class="alternate-price" data-raw="99.00">fallback</span>
</div>
</body></html>`

	schema := productCatalogSchema()
	schema.Fields[1].FallbackSelectors = []string{"span.alternate-price@data-raw"}
	cs := compileForTest(t, schema)
	doc := parseForTest(t, html)

	res := testEngine().Extract(doc, cs)

	require.Len(t, res.Records, 1)
	assert.InDelta(t, 10.00, res.Records[0]["price"].Float, 0.001)
}

// The non-null required count must reach min_fields_required even when
// every individually required field that exists is populated.
func TestExtractMinFieldsRequired(t *testing.T) {
	html := `<html><body>
<div class="item"><span class="a">A</span><span class="b">B</span></div>
<div class="item"><span class="a">A only</span></div>
</body></html>`

	schema := &models.ParsingSchema{
		ItemContainer: "div.item",
		Fields: []models.FieldDef{
			{Name: "a", Method: models.MethodCSS, Selector: "span.a"},
			{Name: "b", Method: models.MethodCSS, Selector: "span.b"},
		},
		MinFieldsRequired: 0,
	}
	cs := compileForTest(t, schema)
	res := testEngine().Extract(parseForTest(t, html), cs)
	assert.Equal(t, 2, res.Stats.RecordsValid, "no required fields, everything valid")

	schema = &models.ParsingSchema{
		ItemContainer: "div.item",
		Fields: []models.FieldDef{
			{Name: "a", Method: models.MethodCSS, Selector: "span.a", Required: true},
			{Name: "b", Method: models.MethodCSS, Selector: "span.b", Required: true},
		},
		MinFieldsRequired: 2,
	}
	cs = compileForTest(t, schema)
	res = testEngine().Extract(parseForTest(t, html), cs)
	assert.Equal(t, 1, res.Stats.RecordsValid)
	assert.Equal(t, 1, res.Stats.RecordsRejected)
}

// Without an item_container the whole document is the sole record root.
func TestExtractWholeDocumentRoot(t *testing.T) {
	html := `<html><body><h1 class="title">Single Page</h1></body></html>`
	schema := &models.ParsingSchema{
		Fields: []models.FieldDef{
			{Name: "title", Method: models.MethodCSS, Selector: "h1.title", Required: true},
		},
	}
	cs := compileForTest(t, schema)

	res := testEngine().Extract(parseForTest(t, html), cs)

	assert.Equal(t, 1, res.Stats.RecordsExtracted)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "Single Page", res.Records[0]["title"].Str)
}

func TestExtractValidationRegexFallsBackToDefault(t *testing.T) {
	html := `<html><body><div class="item"><span class="sku">not-a-sku</span></div></body></html>`
	schema := &models.ParsingSchema{
		ItemContainer: "div.item",
		Fields: []models.FieldDef{
			{Name: "sku", Method: models.MethodCSS, Selector: "span.sku",
				ValidationRegex: `^SKU-\d+$`, Default: "SKU-0000"},
		},
	}
	cs := compileForTest(t, schema)

	res := testEngine().Extract(parseForTest(t, html), cs)

	require.Len(t, res.Records, 1)
	assert.Equal(t, "SKU-0000", res.Records[0]["sku"].Str)
}

func TestExtractDefaultSubstitution(t *testing.T) {
	html := `<html><body><div class="item"><span class="name">Thing</span></div></body></html>`
	schema := &models.ParsingSchema{
		ItemContainer: "div.item",
		Fields: []models.FieldDef{
			{Name: "name", Method: models.MethodCSS, Selector: "span.name"},
			{Name: "stock", Type: models.FieldTypeInteger, Method: models.MethodCSS, Selector: "span.stock", Default: 0},
			{Name: "currency", Method: models.MethodCSS, Selector: "span.currency", Default: "USD"},
		},
	}
	cs := compileForTest(t, schema)

	res := testEngine().Extract(parseForTest(t, html), cs)

	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, int64(0), rec["stock"].Int)
	assert.False(t, rec["stock"].IsNull())
	assert.Equal(t, "USD", rec["currency"].Str)
}

func TestExtractXPathFields(t *testing.T) {
	html := `<html><body>
<div class="listing">
  <article><h3>First</h3><a href="/a/1">go</a></article>
  <article><h3>Second</h3><a href="/a/2">go</a></article>
</div>
</body></html>`

	schema := &models.ParsingSchema{
		ItemContainer:       "//article",
		ItemContainerMethod: models.MethodXPath,
		Fields: []models.FieldDef{
			{Name: "title", Method: models.MethodXPath, Selector: ".//h3", Required: true},
			{Name: "link", Method: models.MethodXPath, Selector: ".//a/@href"},
		},
	}
	cs := compileForTest(t, schema)

	res := testEngine().Extract(parseForTest(t, html), cs)

	require.Len(t, res.Records, 2)
	assert.Equal(t, "First", res.Records[0]["title"].Str)
	assert.Equal(t, "/a/1", res.Records[0]["link"].Str)
	assert.Equal(t, "Second", res.Records[1]["title"].Str)
}

func TestExtractRegexField(t *testing.T) {
	html := `<html><body>
<script>var config = {"buildId": "abc-123"};</script>
<div class="item"><span>x</span></div>
</body></html>`

	schema := &models.ParsingSchema{
		ItemContainer: "div.item",
		Fields: []models.FieldDef{
			{Name: "build", Method: models.MethodRegex, Selector: `"buildId":\s*"([^"]+)"`},
		},
	}
	cs := compileForTest(t, schema)

	res := testEngine().Extract(parseForTest(t, html), cs)

	require.Len(t, res.Records, 1)
	assert.Equal(t, "abc-123", res.Records[0]["build"].Str)
}

func TestExtractJSONPathField(t *testing.T) {
	html := `<html><head>
<script type="application/ld+json">{"@type":"Product","offers":{"price":"129.00","priceCurrency":"USD"},"images":["a.jpg","b.jpg"]}</script>
</head><body><div class="item">x</div></body></html>`

	schema := &models.ParsingSchema{
		ItemContainer: "div.item",
		Fields: []models.FieldDef{
			{Name: "price", Type: models.FieldTypeFloat, Method: models.MethodJSONPath, Selector: "offers.price"},
			{Name: "currency", Method: models.MethodJSONPath, Selector: "offers.priceCurrency"},
			{Name: "first_image", Method: models.MethodJSONPath, Selector: "images[0]"},
			{Name: "images", Type: models.FieldTypeList, Method: models.MethodJSONPath, Selector: "images"},
			{Name: "missing", Method: models.MethodJSONPath, Selector: "offers.sku"},
		},
	}
	cs := compileForTest(t, schema)

	res := testEngine().Extract(parseForTest(t, html), cs)

	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.InDelta(t, 129.0, rec["price"].Float, 0.001)
	assert.Equal(t, "USD", rec["currency"].Str)
	assert.Equal(t, "a.jpg", rec["first_image"].Str)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, rec["images"].List)
	assert.True(t, rec["missing"].IsNull())
}

// Only the first successfully parsed JSON block is consulted.
func TestJSONPathFirstParsedBlockWins(t *testing.T) {
	html := `<html><head>
<script type="application/ld+json">{broken json</script>
<script type="application/ld+json">{"name":"from-second"}</script>
<script type="application/ld+json">{"name":"from-third"}</script>
</head><body></body></html>`

	schema := &models.ParsingSchema{
		Fields: []models.FieldDef{
			{Name: "name", Method: models.MethodJSONPath, Selector: "name"},
		},
	}
	cs := compileForTest(t, schema)

	res := testEngine().Extract(parseForTest(t, html), cs)

	require.Len(t, res.Records, 1)
	assert.Equal(t, "from-second", res.Records[0]["name"].Str)
}

func TestExtractListField(t *testing.T) {
	html := `<html><body>
<div class="item">
  <span class="tag">red</span>
  <span class="tag">blue</span>
  <span class="tag">  </span>
  <span class="tag">green</span>
</div>
</body></html>`

	schema := &models.ParsingSchema{
		ItemContainer: "div.item",
		Fields: []models.FieldDef{
			{Name: "tags", Type: models.FieldTypeList, Method: models.MethodCSS, Selector: "span.tag"},
		},
	}
	cs := compileForTest(t, schema)

	res := testEngine().Extract(parseForTest(t, html), cs)

	require.Len(t, res.Records, 1)
	assert.Equal(t, []string{"red", "blue", "green"}, res.Records[0]["tags"].List)
}

func TestExtractContainerMatchesNothing(t *testing.T) {
	cs := compileForTest(t, productCatalogSchema())
	res := testEngine().Extract(parseForTest(t, `<html><body><p>empty page</p></body></html>`), cs)

	assert.Equal(t, 0, res.Stats.RecordsExtracted)
	assert.Empty(t, res.Records)
	assert.Empty(t, res.Rejected)
}

func withPagination(schema *models.ParsingSchema, p *models.PaginationRule) *models.ParsingSchema {
	schema.Pagination = p
	return schema
}

func TestNextButtonPagination(t *testing.T) {
	engine := testEngine()

	schema := withPagination(productCatalogSchema(), &models.PaginationRule{
		Type: models.PaginationNextButton, Selector: "a.next-page", MaxPages: 10,
	})
	cs := compileForTest(t, schema)

	t.Run("resolved href", func(t *testing.T) {
		doc := parseForTest(t, catalogHTML[:len(catalogHTML)-len("</body></html>")]+
			`<a class="next-page" href="/catalog?page=2">next</a></body></html>`)
		hint := engine.NextPage(doc, cs, 1, 3)
		assert.True(t, hint.HasNext)
		assert.False(t, hint.RequiresClick)
		assert.Equal(t, "https://shop.example.com/catalog?page=2", hint.NextURL)
	})

	t.Run("javascript href needs a click", func(t *testing.T) {
		doc := parseForTest(t, `<html><body><a class="next-page" href="javascript:loadMore()">next</a></body></html>`)
		hint := engine.NextPage(doc, cs, 1, 3)
		assert.True(t, hint.HasNext)
		assert.True(t, hint.RequiresClick)
		assert.Empty(t, hint.NextURL)
	})

	t.Run("no next element", func(t *testing.T) {
		doc := parseForTest(t, `<html><body><p>last page</p></body></html>`)
		hint := engine.NextPage(doc, cs, 1, 3)
		assert.False(t, hint.HasNext)
	})

	t.Run("self link ends the chain", func(t *testing.T) {
		doc := parseForTest(t, `<html><body><a class="next-page" href="`+catalogBase+`">next</a></body></html>`)
		hint := engine.NextPage(doc, cs, 1, 3)
		assert.False(t, hint.HasNext)
	})
}

func TestPageParamPagination(t *testing.T) {
	engine := testEngine()

	schema := withPagination(productCatalogSchema(), &models.PaginationRule{
		Type: models.PaginationPageParam, ParamName: "page", ParamStart: 1, ParamStep: 1, MaxPages: 5,
	})
	cs := compileForTest(t, schema)

	doc := parseForTest(t, catalogHTML)
	hint := engine.NextPage(doc, cs, 1, 3)
	assert.True(t, hint.HasNext)
	assert.Equal(t, "https://shop.example.com/catalog?page=2", hint.NextURL)

	// Offset-style pagination steps by the page size.
	offset := withPagination(productCatalogSchema(), &models.PaginationRule{
		Type: models.PaginationPageParam, ParamName: "offset", ParamStart: 0, ParamStep: 20, MaxPages: 5,
	})
	csOffset := compileForTest(t, offset)
	hint = engine.NextPage(doc, csOffset, 1, 3)
	assert.True(t, hint.HasNext)
	assert.Equal(t, "https://shop.example.com/catalog?offset=20", hint.NextURL)

	// An empty page ends the fan-out.
	hint = engine.NextPage(doc, cs, 1, 0)
	assert.False(t, hint.HasNext)
}

func TestInfiniteScrollSpawnsNoChildren(t *testing.T) {
	schema := withPagination(productCatalogSchema(), &models.PaginationRule{
		Type: models.PaginationInfiniteScroll, MaxPages: 3,
	})
	cs := compileForTest(t, schema)
	hint := testEngine().NextPage(parseForTest(t, catalogHTML), cs, 1, 3)
	assert.False(t, hint.HasNext)
}
