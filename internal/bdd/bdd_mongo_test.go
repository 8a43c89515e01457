package bdd

import (
	"context"
	"testing"
	"time"

	mongoplugin "github.com/moodlog/conversation-store/internal/plugin/docstore/mongo"
	"github.com/moodlog/conversation-store/internal/testutil/cucumber"
	"github.com/moodlog/conversation-store/internal/testutil/fakestores"
	"github.com/moodlog/conversation-store/internal/testutil/testmongo"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// TestFeaturesMongo runs the features against a real MongoDB. Scenarios that
// inject document store faults need the in-memory store and are skipped.
func TestFeaturesMongo(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	db := testmongo.StartDatabase(t, "bdd")

	contents := fakestores.NewContents()
	apiURL := startAPI(t, mongoplugin.New(db, 10*time.Second), contents)

	runFeatures(t, "~@docfaults", func(t *testing.T) *cucumber.TestSuite {
		suite := cucumber.NewTestSuite()
		suite.APIURL = apiURL
		suite.UserHeader = userHeader
		suite.TestingT = t
		suite.Extra[extraContents] = contents
		suite.Reset = func(ctx context.Context) error {
			contents.Reset()
			_, err := db.Collection("conversations").DeleteMany(ctx, bson.M{})
			return err
		}
		return suite
	})
}
