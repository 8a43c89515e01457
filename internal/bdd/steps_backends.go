package bdd

import (
	"fmt"

	"github.com/cucumber/godog"
	"github.com/moodlog/conversation-store/internal/testutil/cucumber"
	"github.com/moodlog/conversation-store/internal/testutil/fakestores"
)

const (
	extraDocs     = "docs"
	extraContents = "contents"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		ctx.Step(`^the document store is (offline|online)$`, func(state string) error {
			docs, err := fakeDocs(s)
			if err != nil {
				return err
			}
			docs.SetOffline(state == "offline")
			return nil
		})
		ctx.Step(`^the content store is (offline|online)$`, func(state string) error {
			contents, err := fakeContents(s)
			if err != nil {
				return err
			}
			contents.SetOffline(state == "offline")
			return nil
		})
		ctx.Step(`^the document store should hold (\d+) conversations?$`, func(n int) error {
			docs, err := fakeDocs(s)
			if err != nil {
				return err
			}
			if got := docs.Len(); got != n {
				return fmt.Errorf("expected %d documents, got %d", n, got)
			}
			return nil
		})
		ctx.Step(`^the content store should hold (\d+) pins?$`, func(n int) error {
			contents, err := fakeContents(s)
			if err != nil {
				return err
			}
			if got := len(contents.Handles()); got != n {
				return fmt.Errorf("expected %d pins, got %d: %v", n, got, contents.Handles())
			}
			return nil
		})
	})
}

func fakeDocs(s *cucumber.TestScenario) (*fakestores.Docs, error) {
	docs, ok := s.Suite.Extra[extraDocs].(*fakestores.Docs)
	if !ok {
		return nil, fmt.Errorf("document store faults need the in-memory document store")
	}
	return docs, nil
}

func fakeContents(s *cucumber.TestScenario) (*fakestores.Contents, error) {
	contents, ok := s.Suite.Extra[extraContents].(*fakestores.Contents)
	if !ok {
		return nil, fmt.Errorf("content store faults need the in-memory content store")
	}
	return contents, nil
}
