package search

import (
	"context"

	"github.com/algolia/algoliasearch-client-go/v3/algolia/opt"
	algoliasearch "github.com/algolia/algoliasearch-client-go/v3/algolia/search"
)

// algoliaIndex is the subset of *search.Index used here. The v3 client has no
// context parameter, so callers' deadlines are only checked before each call.
type algoliaIndex interface {
	SaveObjects(objects interface{}, opts ...interface{}) (algoliasearch.GroupBatchRes, error)
	SetSettings(settings algoliasearch.Settings, opts ...interface{}) (algoliasearch.UpdateTaskRes, error)
}

type AlgoliaIndex struct {
	index algoliaIndex
}

func NewAlgoliaIndex(appID, apiKey, indexName string) *AlgoliaIndex {
	client := algoliasearch.NewClient(appID, apiKey)
	return &AlgoliaIndex{index: client.InitIndex(indexName)}
}

func (a *AlgoliaIndex) Save(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := a.index.SaveObjects(records)
	if err != nil {
		return err
	}
	return res.Wait()
}

func (a *AlgoliaIndex) Configure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := a.index.SetSettings(Settings())
	if err != nil {
		return err
	}
	return res.Wait()
}

// Settings are the ranking and faceting settings of the products index.
func Settings() algoliasearch.Settings {
	return algoliasearch.Settings{
		SearchableAttributes:  opt.SearchableAttributes("name", "description"),
		AttributesForFaceting: opt.AttributesForFaceting("price"),
		CustomRanking:         opt.CustomRanking("desc(created_at)"),
	}
}
