package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/probemesh/internal/apierr"
	"github.com/wisbric/probemesh/internal/identity"
	"github.com/wisbric/probemesh/pkg/tier"
)

func authenticatedPrincipal(limits tier.Limits) identity.Principal {
	return identity.Principal{UserID: "u1", Tier: limits}
}

func TestValidateScheduleRequestRejectsAnonymousPrincipal(t *testing.T) {
	p := identity.Principal{Anonymous: true, AnonBucket: 1}
	err := validateScheduleRequest(p, Request{IntervalMinutes: 60})
	require.Equal(t, apierr.Forbidden, apierr.KindOf(err))
}

func TestValidateScheduleRequestRejectsTierWithoutScheduledProbes(t *testing.T) {
	p := authenticatedPrincipal(tier.Limits{ScheduledProbes: false})
	err := validateScheduleRequest(p, Request{IntervalMinutes: 60})
	require.Equal(t, apierr.Forbidden, apierr.KindOf(err))
}

func TestValidateScheduleRequestRejectsUnrecognizedInterval(t *testing.T) {
	p := authenticatedPrincipal(tier.Limits{ScheduledProbes: true, AllowCustomIntervals: true})
	err := validateScheduleRequest(p, Request{IntervalMinutes: 7})
	require.Equal(t, apierr.Forbidden, apierr.KindOf(err))
}

func TestValidateScheduleRequestRejectsIntervalNotInTierPolicy(t *testing.T) {
	p := authenticatedPrincipal(tier.Limits{ScheduledProbes: true, AllowedProbeIntervals: []int{1440}})
	err := validateScheduleRequest(p, Request{IntervalMinutes: 5})
	require.Equal(t, apierr.Forbidden, apierr.KindOf(err))
}

func TestValidateScheduleRequestAllowsRecognizedIntervalInTierPolicy(t *testing.T) {
	p := authenticatedPrincipal(tier.Limits{ScheduledProbes: true, AllowedProbeIntervals: []int{5, 15, 60, 1440}})
	err := validateScheduleRequest(p, Request{IntervalMinutes: 15})
	require.NoError(t, err)
}

func TestValidateScheduleRequestAllowsCustomIntervalPolicy(t *testing.T) {
	p := authenticatedPrincipal(tier.Limits{ScheduledProbes: true, AllowCustomIntervals: true})
	err := validateScheduleRequest(p, Request{IntervalMinutes: 1440})
	require.NoError(t, err)
}
