package schema

// FeedBuilder accumulates a feed definition.
//
//	format, err := schema.DefineFeed().
//	    Parameters("vCar:Chassis", "nEngine:Engine").
//	    AtFrequency(100).
//	    BuildFormat()
type FeedBuilder struct {
	feed FeedFormat
}

// DefineFeed starts the default (unnamed) feed.
func DefineFeed() *FeedBuilder {
	return DefineNamedFeed(DefaultFeedName)
}

// DefineNamedFeed starts a named feed.
func DefineNamedFeed(name string) *FeedBuilder {
	return &FeedBuilder{feed: FeedFormat{Name: name, FrequencyHz: DefaultFrequencyHz}}
}

// Parameter appends one parameter.
func (b *FeedBuilder) Parameter(id string) *FeedBuilder {
	b.feed.ParameterIDs = append(b.feed.ParameterIDs, id)
	return b
}

// Parameters appends parameters in order.
func (b *FeedBuilder) Parameters(ids ...string) *FeedBuilder {
	b.feed.ParameterIDs = append(b.feed.ParameterIDs, ids...)
	return b
}

// AtFrequency sets the sample frequency in Hz.
func (b *FeedBuilder) AtFrequency(hz float64) *FeedBuilder {
	b.feed.FrequencyHz = hz
	return b
}

// BuildFeed validates and returns the feed format.
func (b *FeedBuilder) BuildFeed() (*FeedFormat, error) {
	f := b.feed
	f.ParameterIDs = append([]string(nil), b.feed.ParameterIDs...)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// BuildFormat returns a DataFormat holding only this feed.
func (b *FeedBuilder) BuildFormat() (*DataFormat, error) {
	f, err := b.BuildFeed()
	if err != nil {
		return nil, err
	}
	return NewDataFormat(f)
}
