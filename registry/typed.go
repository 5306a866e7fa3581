package registry

import (
	"context"
	"sync"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/schema"
)

// DataFormatClient stores and resolves data formats.
type DataFormatClient struct {
	client  *Client
	mu      sync.RWMutex
	decoded map[schema.ID]*schema.DataFormat
}

// NewDataFormatClient wraps c for data format documents.
func NewDataFormatClient(c *Client) *DataFormatClient {
	return &DataFormatClient{client: c, decoded: make(map[schema.ID]*schema.DataFormat)}
}

// PutAndIdentify validates and stores df, returning its content ID.
func (d *DataFormatClient) PutAndIdentify(ctx context.Context, df *schema.DataFormat) (schema.ID, error) {
	if err := df.Validate(); err != nil {
		return "", errors.Wrap(err, "DataFormatClient", "PutAndIdentify", "validate data format")
	}
	id, err := d.client.Put(ctx, schema.DependencyDataFormat, df)
	if err != nil {
		return "", err
	}
	d.remember(id, df)
	return id, nil
}

// Get resolves a data format. The returned value is shared and must not be modified.
func (d *DataFormatClient) Get(ctx context.Context, id schema.ID) (*schema.DataFormat, error) {
	d.mu.RLock()
	df, ok := d.decoded[id]
	d.mu.RUnlock()
	if ok {
		return df, nil
	}

	df = &schema.DataFormat{}
	if err := d.client.Get(ctx, schema.DependencyDataFormat, id, df); err != nil {
		return nil, err
	}
	if err := df.Validate(); err != nil {
		return nil, errors.Wrap(err, "DataFormatClient", "Get", "validate data format")
	}
	d.remember(id, df)
	return df, nil
}

func (d *DataFormatClient) remember(id schema.ID, df *schema.DataFormat) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.decoded[id]; !ok {
		d.decoded[id] = df
	}
}

// ConfigurationClient stores and resolves configuration trees.
type ConfigurationClient struct {
	client  *Client
	mu      sync.RWMutex
	decoded map[schema.ID]*schema.Configuration
}

// NewConfigurationClient wraps c for configuration documents.
func NewConfigurationClient(c *Client) *ConfigurationClient {
	return &ConfigurationClient{client: c, decoded: make(map[schema.ID]*schema.Configuration)}
}

// PutAndIdentify validates and stores cfg, returning its content ID.
func (cc *ConfigurationClient) PutAndIdentify(ctx context.Context, cfg *schema.Configuration) (schema.ID, error) {
	if err := cfg.Validate(); err != nil {
		return "", errors.Wrap(err, "ConfigurationClient", "PutAndIdentify", "validate configuration")
	}
	id, err := cc.client.Put(ctx, schema.DependencyConfiguration, cfg)
	if err != nil {
		return "", err
	}
	cc.remember(id, cfg)
	return id, nil
}

// Get resolves a configuration. The returned value is shared and must not be modified.
func (cc *ConfigurationClient) Get(ctx context.Context, id schema.ID) (*schema.Configuration, error) {
	cc.mu.RLock()
	cfg, ok := cc.decoded[id]
	cc.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	cfg = &schema.Configuration{}
	if err := cc.client.Get(ctx, schema.DependencyConfiguration, id, cfg); err != nil {
		return nil, err
	}
	cc.remember(id, cfg)
	return cfg, nil
}

func (cc *ConfigurationClient) remember(id schema.ID, cfg *schema.Configuration) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if _, ok := cc.decoded[id]; !ok {
		cc.decoded[id] = cfg
	}
}
