package remote

// Request is the body POSTed to the crawling service.
type Request struct {
	URLs           []string `json:"urls"`
	IncludeRawHTML bool     `json:"include_raw_html"`
	Forced         bool     `json:"forced"`
	ExtractBlocks  bool     `json:"extract_blocks"`
	// BypassHeadless is understood by pagesnap servers and ignored elsewhere.
	BypassHeadless bool `json:"bypass_headless,omitempty"`
}

// NewRequest builds the single-URL request the delegate sends.
func NewRequest(rawURL string, bypassHeadless bool) Request {
	return Request{
		URLs:           []string{rawURL},
		IncludeRawHTML: true,
		Forced:         true,
		ExtractBlocks:  false,
		BypassHeadless: bypassHeadless,
	}
}

// Response is the crawling service's reply.
type Response struct {
	Results []Result `json:"results"`
}

// Result is one crawled page.
type Result struct {
	URL   string `json:"url"`
	HTML  string `json:"html"`
	Error string `json:"error,omitempty"`
}
