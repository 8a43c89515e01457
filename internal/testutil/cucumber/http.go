package cucumber

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"

	"github.com/cucumber/godog"
	"github.com/itchyny/gojq"
	"github.com/pmezard/go-difflib/difflib"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^I am user "([^"]*)"$`, s.iAmUser)
		ctx.Step(`^I (GET|DELETE) path "([^"]*)"$`, s.iSendRequest)
		ctx.Step(`^I (POST|PATCH|PUT) path "([^"]*)" with json body:$`, s.iSendRequestWithBody)
		ctx.Step(`^the response code should be (\d+)$`, s.theResponseCodeShouldBe)
		ctx.Step(`^the response header "([^"]*)" should be "([^"]*)"$`, s.theResponseHeaderShouldBe)
		ctx.Step(`^the response should match json:$`, s.theResponseShouldMatchJSON)
		ctx.Step(`^the "([^"]*)" selection from the response should match "([^"]*)"$`, s.theSelectionShouldMatch)
		ctx.Step(`^I store the "([^"]*)" selection from the response as \${([^}]*)}$`, s.iStoreTheSelectionAs)
	})
}

func (s *TestScenario) iAmUser(user string) error {
	s.CurrentUser = user
	return nil
}

func (s *TestScenario) iSendRequest(method, path string) error {
	return s.send(method, path, nil)
}

func (s *TestScenario) iSendRequestWithBody(method, path string, body *godog.DocString) error {
	expanded, err := s.Expand(body.Content)
	if err != nil {
		return err
	}
	return s.send(method, path, []byte(expanded))
}

func (s *TestScenario) send(method, path string, body []byte) error {
	path, err := s.Expand(path)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, s.Suite.APIURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.CurrentUser != "" {
		req.Header.Set(s.Suite.UserHeader, s.CurrentUser)
	}
	resp, err := s.Suite.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	s.resp, s.respBody = resp, data
	return nil
}

func (s *TestScenario) requireResponse() error {
	if s.resp == nil {
		return fmt.Errorf("no request has been sent")
	}
	return nil
}

func (s *TestScenario) theResponseCodeShouldBe(expected int) error {
	if err := s.requireResponse(); err != nil {
		return err
	}
	if s.resp.StatusCode != expected {
		return fmt.Errorf("expected response code %d, got %d: %s", expected, s.resp.StatusCode, s.respBody)
	}
	return nil
}

func (s *TestScenario) theResponseHeaderShouldBe(name, expected string) error {
	if err := s.requireResponse(); err != nil {
		return err
	}
	if got := s.resp.Header.Get(name); got != expected {
		return fmt.Errorf("expected header %s to be %q, got %q", name, expected, got)
	}
	return nil
}

func (s *TestScenario) responseJSON() (any, error) {
	if err := s.requireResponse(); err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(s.respBody, &doc); err != nil {
		return nil, fmt.Errorf("response is not json: %w: %s", err, s.respBody)
	}
	return doc, nil
}

func (s *TestScenario) theResponseShouldMatchJSON(expected *godog.DocString) error {
	actual, err := s.responseJSON()
	if err != nil {
		return err
	}
	content, err := s.Expand(expected.Content)
	if err != nil {
		return err
	}
	var want any
	if err := json.Unmarshal([]byte(content), &want); err != nil {
		return fmt.Errorf("expected value is not json: %w", err)
	}
	if reflect.DeepEqual(want, actual) {
		return nil
	}
	return fmt.Errorf("response does not match:\n%s", jsonDiff(want, actual))
}

func (s *TestScenario) selection(selector string) (any, error) {
	doc, err := s.responseJSON()
	if err != nil {
		return nil, err
	}
	query, err := gojq.Parse(selector)
	if err != nil {
		return nil, err
	}
	v, ok := query.Run(doc).Next()
	if !ok {
		return nil, fmt.Errorf("no json node matches selector %s", selector)
	}
	if err, isErr := v.(error); isErr {
		return nil, err
	}
	return v, nil
}

func (s *TestScenario) theSelectionShouldMatch(selector, expected string) error {
	actual, err := s.selection(selector)
	if err != nil {
		return err
	}
	expected, err = s.Expand(expected)
	if err != nil {
		return err
	}
	var got string
	switch v := actual.(type) {
	case string:
		got = v
	case float64:
		got = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		got = strconv.Itoa(v)
	default:
		b, _ := json.Marshal(v)
		got = string(b)
	}
	if got != expected {
		return fmt.Errorf("selection %s: expected %q, got %q", selector, expected, got)
	}
	return nil
}

func (s *TestScenario) iStoreTheSelectionAs(selector, name string) error {
	v, err := s.selection(selector)
	if err != nil {
		return err
	}
	s.Variables[name] = v
	return nil
}

func jsonDiff(want, got any) string {
	a, _ := json.MarshalIndent(want, "", "  ")
	b, _ := json.MarshalIndent(got, "", "  ")
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	return diff
}
