package ogc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// ServiceException is the first exception of a WMS ServiceExceptionReport or
// an OWS ExceptionReport.
type ServiceException struct {
	Code    string
	Locator string
	Text    string
}

func (e *ServiceException) Error() string {
	if e.Code == "" {
		return "service exception: " + e.Text
	}
	return fmt.Sprintf("service exception %s: %s", e.Code, e.Text)
}

type wmsReport struct {
	Exceptions []struct {
		Code    string `xml:"code,attr"`
		Locator string `xml:"locator,attr"`
		Text    string `xml:",chardata"`
	} `xml:"ServiceException"`
}

type owsReport struct {
	Exceptions []struct {
		Code    string   `xml:"exceptionCode,attr"`
		Locator string   `xml:"locator,attr"`
		Texts   []string `xml:"ExceptionText"`
	} `xml:"Exception"`
}

// LooksLikeXML reports whether body starts, after whitespace, with '<'.
func LooksLikeXML(body []byte) bool {
	b := bytes.TrimSpace(body)
	return len(b) > 0 && b[0] == '<'
}

// ParseServiceException extracts the exception carried by body. ok is false
// when body is not an exception report.
func ParseServiceException(body []byte) (*ServiceException, bool) {
	if !LooksLikeXML(body) {
		return nil, false
	}
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	var root xml.StartElement
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		if se, isStart := tok.(xml.StartElement); isStart {
			root = se
			break
		}
	}

	switch root.Name.Local {
	case "ServiceExceptionReport":
		var r wmsReport
		if err := dec.DecodeElement(&r, &root); err != nil {
			return &ServiceException{Text: "unparseable ServiceExceptionReport"}, true
		}
		if len(r.Exceptions) == 0 {
			return &ServiceException{Text: "empty ServiceExceptionReport"}, true
		}
		e := r.Exceptions[0]
		return &ServiceException{Code: e.Code, Locator: e.Locator, Text: strings.TrimSpace(e.Text)}, true
	case "ExceptionReport":
		var r owsReport
		if err := dec.DecodeElement(&r, &root); err != nil {
			return &ServiceException{Text: "unparseable ExceptionReport"}, true
		}
		if len(r.Exceptions) == 0 {
			return &ServiceException{Text: "empty ExceptionReport"}, true
		}
		e := r.Exceptions[0]
		return &ServiceException{Code: e.Code, Locator: e.Locator, Text: strings.TrimSpace(strings.Join(e.Texts, "; "))}, true
	default:
		return nil, false
	}
}
