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

package awsclient

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.opentelemetry.io/otel/trace"
)

type SQSClient struct {
	Client *sqs.Client
	Tracer trace.Tracer
}

type sqsConfig struct {
	region string
}

// SQSOption is a functional option for GetSQS.
type SQSOption func(*sqsConfig)

// WithSQSRegion overrides the AWS region for this client. Notification
// queues are read with the ambient credentials, so there is no role
// option here; bucket reads are where roles come in.
func WithSQSRegion(region string) SQSOption {
	return func(c *sqsConfig) {
		c.region = region
	}
}

func (m *Manager) GetSQS(_ context.Context, opts ...SQSOption) (*SQSClient, error) {
	var sc sqsConfig
	for _, o := range opts {
		o(&sc)
	}
	client := sqs.NewFromConfig(m.scopedConfig(sc.region, ""))
	return &SQSClient{Client: client, Tracer: m.tracer}, nil
}
