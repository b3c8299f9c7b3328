package parser

import (
	"archive/zip"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"

	"pdfchat/internal/config"
	"pdfchat/internal/models"
)

// Options is the chunking policy: fixed windows of ChunkSize runes with
// ChunkOverlap runes shared between neighbours.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
}

const (
	defaultChunkSize    = 1000 // runes
	defaultChunkOverlap = 0
	defaultPageNumber   = 1
)

var (
	docxTextRe  = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	pptxTextRe  = regexp.MustCompile(`<a:t(?:\s[^>]*)?>([^<]*)</a:t>`)
	slideNameRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
)

// OptionsFromConfig reads the chunking policy from cfg, nil means defaults.
func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		return Options{ChunkSize: defaultChunkSize, ChunkOverlap: defaultChunkOverlap}
	}
	return Options{ChunkSize: cfg.RAG.ChunkSize, ChunkOverlap: cfg.RAG.ChunkOverlap}
}

func (o Options) normalize() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = 0
	}
	if o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = o.ChunkSize / 2
	}
	return o
}

// Policy identifies the effective chunking policy, e.g. "1000/0".
func (o Options) Policy() string {
	o = o.normalize()
	return fmt.Sprintf("%d/%d", o.ChunkSize, o.ChunkOverlap)
}

// ParseFile reads the document at filePath and splits it into chunks. The
// format is picked from the file extension.
func ParseFile(filePath string, opts Options) ([]models.Chunk, error) {
	opts = opts.normalize()

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".pdf":
		return parsePDFFile(filePath, opts)
	case ".docx":
		return parseDOCX(filePath, opts)
	case ".pptx":
		return parsePPTX(filePath, opts)
	case ".xlsx":
		return parseXLSX(filePath, opts)
	case ".txt", ".md":
		return parseText(filePath, opts)
	default:
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, ext)
	}
}

func parsePDFFile(filePath string, opts Options) ([]models.Chunk, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Load(f, stat.Size(), opts)
}

// Load extracts the text of the PDF in r page by page and chunks it. An
// image-only PDF returns no chunks and no error.
func Load(r io.ReaderAt, size int64, opts Options) (chunks []models.Chunk, err error) {
	opts = opts.normalize()

	// ledongthuc/pdf panics on some malformed inputs
	defer func() {
		if rec := recover(); rec != nil {
			chunks = nil
			err = fmt.Errorf("%w: %v", models.ErrParse, rec)
		}
	}()

	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrParse, err)
	}

	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", models.ErrParse, i, err)
		}
		chunks = append(chunks, getChunks(pageText, i, opts)...)
	}

	log.Debug().Int("pages", numPages).Int("chunks", len(chunks)).Msg("Parsed PDF")
	return chunks, nil
}

func parseDOCX(filePath string, opts Options) ([]models.Chunk, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrParse, err)
	}
	defer r.Close()

	// GetContent returns the document XML, one paragraph per </w:p>
	var text strings.Builder
	for _, p := range strings.Split(r.Editable().GetContent(), "</w:p>") {
		line := extractTextFromXML(p, docxTextRe)
		if strings.TrimSpace(line) == "" {
			continue
		}
		text.WriteString(line)
		text.WriteString("\n")
	}
	return getChunks(text.String(), defaultPageNumber, opts), nil
}

func parsePPTX(filePath string, opts Options) ([]models.Chunk, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrParse, err)
	}
	defer f.Close()

	type slide struct {
		num  int
		text string
	}
	var slides []slide
	for _, file := range f.File {
		m := slideNameRe.FindStringSubmatch(file.Name)
		if m == nil {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		num, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{num: num, text: extractTextFromXML(string(data), pptxTextRe)})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var chunks []models.Chunk
	for _, s := range slides {
		chunks = append(chunks, getChunks(s.text, s.num, opts)...)
	}
	return chunks, nil
}

func parseXLSX(filePath string, opts Options) ([]models.Chunk, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrParse, err)
	}
	defer f.Close()

	var chunks []models.Chunk
	for sheetNum, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			log.Warn().Err(err).Str("sheet", sheetName).Msg("Skipping unreadable sheet")
			continue
		}
		var text strings.Builder
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheetName))
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
		// 1-based indexing
		chunks = append(chunks, getChunks(text.String(), sheetNum+1, opts)...)
	}
	return chunks, nil
}

func parseText(filePath string, opts Options) ([]models.Chunk, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return getChunks(string(data), defaultPageNumber, opts), nil
}

func extractTextFromXML(xmlContent string, re *regexp.Regexp) string {
	var text strings.Builder
	for _, m := range re.FindAllStringSubmatch(xmlContent, -1) {
		text.WriteString(html.UnescapeString(m[1]))
		text.WriteString(" ")
	}
	return text.String()
}

type span struct {
	text   string
	offset int
}

// chunk content into windows of maxChars runes, overlapping by overlapChars
func chunkContent(content string, maxChars, overlapChars int) []span {
	if maxChars <= 0 {
		return nil
	}
	if overlapChars < 0 {
		overlapChars = 0
	}
	if overlapChars >= maxChars {
		overlapChars = maxChars / 2
	}

	runes := []rune(content)
	n := len(runes)

	var chunks []span
	start := 0
	for start < n {
		end := min(start+maxChars, n)

		// Prefer a clean break within the last 10% of the window
		if end < n {
			lookBack := min(maxChars/10, end-start)
			for i := end - 1; i >= end-lookBack && i > start; i-- {
				if runes[i] == ' ' || runes[i] == '\n' || runes[i] == '.' {
					end = i + 1
					break
				}
			}
		}

		raw := string(runes[start:end])
		trimmedLeft := strings.TrimLeftFunc(raw, unicode.IsSpace)
		lead := len([]rune(raw)) - len([]rune(trimmedLeft))
		if text := strings.TrimRightFunc(trimmedLeft, unicode.IsSpace); text != "" {
			chunks = append(chunks, span{text: text, offset: start + lead})
		}

		if end >= n {
			break
		}
		next := end - overlapChars
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks
}

// get chunks from content and page number
func getChunks(content string, pageNumber int, opts Options) []models.Chunk {
	var chunks []models.Chunk
	for i, s := range chunkContent(content, opts.ChunkSize, opts.ChunkOverlap) {
		chunks = append(chunks, models.Chunk{
			Content:    s.text,
			PageNumber: pageNumber,
			ChunkID:    i + 1,
			Offset:     s.offset,
		})
	}
	return chunks
}
