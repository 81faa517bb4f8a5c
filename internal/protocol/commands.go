// Package protocol defines the JSON envelope protocol spoken between the
// browser agent and the local control process.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Opcodes understood by the command dispatcher.
const (
	OpOpenTab        = "openTab"
	OpCloseTab       = "closeTab"
	OpGetCurrentTab  = "getCurrentTab"
	OpGetAllTabs     = "getAllTabs"
	OpExecuteScript  = "executeScript"
	OpClickElement   = "clickElement"
	OpFillInput      = "fillInput"
	OpGetPageContent = "getPageContent"
	OpScreenshot     = "screenshot"
	OpGetCookies     = "getCookies"
)

// Opcodes lists every opcode in registry order.
var Opcodes = []string{
	OpOpenTab, OpCloseTab, OpGetCurrentTab, OpGetAllTabs, OpExecuteScript,
	OpClickElement, OpFillInput, OpGetPageContent, OpScreenshot, OpGetCookies,
}

// TabID identifies a browser tab. Controllers may send it as a JSON string or
// number; the zero value means "the active tab".
type TabID string

// UnmarshalJSON accepts both string and numeric tab ids.
func (id *TabID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*id = TabID(str)
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("tabId must be a string or number, got %s", s)
	}
	*id = TabID(s)
	return nil
}

// IsZero reports whether the id is unset.
func (id TabID) IsZero() bool { return id == "" }

// OpenTabParams are the parameters of openTab.
type OpenTabParams struct {
	URL string `json:"url"`
}

func (p *OpenTabParams) Validate() error {
	if p.URL == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

// CloseTabParams are the parameters of closeTab.
type CloseTabParams struct {
	TabID TabID `json:"tabId"`
}

func (p *CloseTabParams) Validate() error {
	if p.TabID.IsZero() {
		return fmt.Errorf("tabId is required")
	}
	return nil
}

// ExecuteScriptParams are the parameters of executeScript.
type ExecuteScriptParams struct {
	TabID TabID  `json:"tabId,omitempty"`
	Code  string `json:"code"`
}

func (p *ExecuteScriptParams) Validate() error {
	if strings.TrimSpace(p.Code) == "" {
		return fmt.Errorf("code is required")
	}
	return nil
}

// ClickElementParams are the parameters of clickElement.
type ClickElementParams struct {
	TabID    TabID  `json:"tabId,omitempty"`
	Selector string `json:"selector"`
}

func (p *ClickElementParams) Validate() error {
	if p.Selector == "" {
		return fmt.Errorf("selector is required")
	}
	return nil
}

// FillInputParams are the parameters of fillInput. An empty value clears the input.
type FillInputParams struct {
	TabID    TabID  `json:"tabId,omitempty"`
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

func (p *FillInputParams) Validate() error {
	if p.Selector == "" {
		return fmt.Errorf("selector is required")
	}
	return nil
}

// PageContentParams are the parameters of getPageContent.
type PageContentParams struct {
	TabID TabID `json:"tabId,omitempty"`
}

func (p *PageContentParams) Validate() error { return nil }

// NoParams is used by opcodes that take no parameters; any payload is ignored.
type NoParams struct{}

func (p *NoParams) Validate() error { return nil }

// Tab describes a browser tab.
type Tab struct {
	ID    TabID  `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// OpenTabResult is the data of a successful openTab.
type OpenTabResult struct {
	TabID TabID `json:"tabId"`
}

// ScriptResult is the data of a successful executeScript.
type ScriptResult struct {
	Result any `json:"result"`
}

// PageContent is the data of a successful getPageContent.
type PageContent struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	HTML  string `json:"html"`
	Text  string `json:"text"`
}

// ScreenshotResult is the data of a successful screenshot.
type ScreenshotResult struct {
	ImageData string `json:"imageData"` // data:image/png;base64,...
}

// CookieReport is the data of a successful getCookies.
type CookieReport struct {
	Cookies       string   `json:"cookies"` // name=value; name=value
	CookieCount   int      `json:"cookieCount"`
	CriticalNames []string `json:"criticalNames"`
}
