// Copyright (C) 2025 Yelp, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package awsclient hands out S3 and SQS clients that share one base
// AWS config and one STS client. Assumed-role credential providers are
// cached per (region, role) pair so a run that touches the same foreign
// bucket repeatedly does not re-assume on every client.
package awsclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type roleKey struct {
	region  string
	roleARN string
}

type Manager struct {
	baseCfg     aws.Config
	stsClient   *sts.Client
	sessionName string
	tracer      trace.Tracer

	mu        sync.Mutex
	providers map[roleKey]aws.CredentialsProvider
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*Manager)

// WithAssumeRoleSessionName names the STS sessions this manager opens,
// which is what the role's CloudTrail entries are attributed to.
func WithAssumeRoleSessionName(name string) ManagerOption {
	return func(mgr *Manager) {
		mgr.sessionName = name
	}
}

// NewManager loads the ambient AWS config chain and prepares the shared
// STS client. OTEL middleware is attached once here and inherited by
// every client the manager hands out.
func NewManager(ctx context.Context, opts ...ManagerOption) (*Manager, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	mgr := &Manager{
		baseCfg:     cfg,
		stsClient:   sts.NewFromConfig(cfg),
		sessionName: "logfeeder",
		tracer:      otel.Tracer("github.com/Yelp/logfeeder/internal/awsclient"),
		providers:   make(map[roleKey]aws.CredentialsProvider),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr, nil
}

// scopedConfig copies the base config for one region/role combination.
// An empty region keeps the base region; an empty role keeps the base
// credentials.
func (m *Manager) scopedConfig(region, roleARN string) aws.Config {
	cfg := m.baseCfg.Copy()
	if region != "" {
		cfg.Region = region
	}
	cfg.Credentials = m.providerFor(cfg.Region, roleARN)
	return cfg
}

func (m *Manager) providerFor(region, roleARN string) aws.CredentialsProvider {
	if roleARN == "" {
		return m.baseCfg.Credentials
	}

	key := roleKey{region: region, roleARN: roleARN}
	m.mu.Lock()
	defer m.mu.Unlock()
	if provider, ok := m.providers[key]; ok {
		return provider
	}
	p := stscreds.NewAssumeRoleProvider(m.stsClient, roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = m.sessionName
	})
	provider := aws.NewCredentialsCache(p)
	m.providers[key] = provider
	return provider
}
