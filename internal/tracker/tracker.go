// Package tracker is the producer-facing side of the hit pipeline: named
// trackers that build hits from permanent and next-hit fields, and the
// Analytics root that wires them to the worker, queue and transports.
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/beacon/internal/metrics"
	"github.com/roach88/beacon/internal/ratelimit"
	"github.com/roach88/beacon/internal/wire"
)

// Hit fields set by trackers.
const (
	FieldTrackingID     = "trackingId"
	FieldHitType        = "hitType"
	FieldSampleRate     = "sampleRate"
	FieldUseSecure      = "useSecure"
	FieldSessionControl = "sessionControl"
	FieldAnonymizeIP    = "anonymizeIp"
	FieldAppName        = "appName"
	FieldAppVersion     = "appVersion"
	FieldAppID          = "appId"
	FieldAppInstallerID = "appInstallerId"
	FieldDescription    = "description"
	FieldReferrer       = "referrer"
	FieldCampaign       = "campaign"
	FieldLanguage       = "language"
	FieldScreenRes      = "screenResolution"
	FieldUsage          = "usage"
	FieldCustomDim      = "customDimension"
	FieldCustomMetric   = "customMetric"
)

// Hit types.
const (
	HitAppView     = "appview"
	HitEvent       = "event"
	HitTransaction = "tran"
	HitItem        = "item"
	HitException   = "exception"
	HitTiming      = "timing"
	HitSocial      = "social"
)

// SessionStart is the sessionControl value that begins a session.
const SessionStart = "start"

var (
	// ErrTrackerClosed is returned by sends on a closed tracker.
	ErrTrackerClosed = errors.New("tracker closed")

	// ErrNoScreen is returned by SendView when no screen name is known.
	ErrNoScreen = errors.New("app view requires a screen name")

	// ErrClosed is returned by Analytics calls made after Close.
	ErrClosed = errors.New("analytics closed")

	// ErrEmptyTrackingID is returned when creating a tracker without an id.
	ErrEmptyTrackingID = errors.New("tracking id cannot be empty")
)

// handler receives finished hits and tracker lifecycle notices.
type handler interface {
	sendHit(hit map[string]string)
	closeTracker(t *Tracker)
}

// Tracker builds hits for one tracking id. It is safe for concurrent use.
type Tracker struct {
	handler handler
	model   *model
	limiter *ratelimit.Bucket
	usage   *usage
	logger  *slog.Logger
	metrics *metrics.Metrics

	// sendMu makes merge, send and clear of next-hit fields one step.
	sendMu  sync.Mutex
	closed  atomic.Bool
	started atomic.Bool
}

func newTracker(trackingID string, h handler, limiter *ratelimit.Bucket, u *usage, logger *slog.Logger, m *metrics.Metrics) *Tracker {
	t := &Tracker{
		handler: h,
		model:   newModel(),
		limiter: limiter,
		usage:   u,
		logger:  logger,
		metrics: m,
	}
	t.model.set(FieldTrackingID, trackingID)
	t.model.set(FieldSampleRate, "100")
	t.model.set(FieldUseSecure, "true")
	t.model.setNext(FieldSessionControl, SessionStart)
	return t
}

// TrackingID returns the tracker's property id.
func (t *Tracker) TrackingID() string {
	return t.model.get(FieldTrackingID)
}

// Set stores a permanent field, sent on every later hit.
func (t *Tracker) Set(key, value string) {
	t.usage.record(apiSet)
	t.model.set(key, value)
}

// SetNext stores a field for the next hit only.
func (t *Tracker) SetNext(key, value string) {
	t.model.setNext(key, value)
}

// Get returns the value the next hit would carry for key.
func (t *Tracker) Get(key string) string {
	t.usage.record(apiGet)
	return t.model.get(key)
}

// Send sends a hit of hitType with fields added for this hit only.
func (t *Tracker) Send(hitType string, fields map[string]string) error {
	if t.closed.Load() {
		return ErrTrackerClosed
	}
	t.usage.record(apiSend)
	t.send(hitType, fields)
	return nil
}

// send merges fields into the next-hit layer, hands the merged hit to
// the handler if the rate limiter allows it, and always clears the
// next-hit layer afterwards.
func (t *Tracker) send(hitType string, fields map[string]string) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.started.Store(true)
	t.model.setAllNext(fields)
	t.model.setNext(FieldHitType, hitType)

	if t.limiter.TryConsume() {
		t.handler.sendHit(t.model.snapshot())
	} else {
		t.logger.Warn("too many hits sent too quickly, throttling invoked",
			"tracking_id", t.model.get(FieldTrackingID))
		t.metrics.HitDropped(metrics.DropRateLimited)
	}
	t.model.clearNext()
}

// SetStartSession starts (or stops starting) a session on the next hit.
func (t *Tracker) SetStartSession(start bool) error {
	if t.closed.Load() {
		return ErrTrackerClosed
	}
	t.usage.record(apiSetStartSession)
	value := ""
	if start {
		value = SessionStart
	}
	t.model.setNext(FieldSessionControl, value)
	return nil
}

// SetAppName sets the app name. Ignored once the tracker has sent a hit.
func (t *Tracker) SetAppName(name string) {
	if t.started.Load() {
		t.logger.Debug("tracking already started, SetAppName ignored")
		return
	}
	if name == "" {
		t.logger.Debug("empty app name not allowed, SetAppName ignored")
		return
	}
	t.usage.record(apiSetAppName)
	t.model.set(FieldAppName, name)
}

// SetAppVersion sets the app version. Ignored once the tracker has sent
// a hit.
func (t *Tracker) SetAppVersion(v string) {
	if t.started.Load() {
		t.logger.Debug("tracking already started, SetAppVersion ignored")
		return
	}
	t.usage.record(apiSetAppVersion)
	t.model.set(FieldAppVersion, v)
}

// SetAppID sets the application id.
func (t *Tracker) SetAppID(id string) {
	t.usage.record(apiSetAppID)
	t.model.set(FieldAppID, id)
}

// SetAppInstallerID sets the installer id.
func (t *Tracker) SetAppInstallerID(id string) {
	t.usage.record(apiSetAppInstallerID)
	t.model.set(FieldAppInstallerID, id)
}

// SetAppScreen sets the current screen, used by SendView.
func (t *Tracker) SetAppScreen(screen string) error {
	if t.closed.Load() {
		return ErrTrackerClosed
	}
	t.usage.record(apiSetAppScreen)
	t.model.set(FieldDescription, screen)
	return nil
}

// SetAnonymizeIP asks the collector to anonymize the sender's address.
func (t *Tracker) SetAnonymizeIP(anonymize bool) {
	t.usage.record(apiSetAnonymizeIP)
	t.model.set(FieldAnonymizeIP, strconv.FormatBool(anonymize))
}

// AnonymizeIP reports whether IP anonymization is on.
func (t *Tracker) AnonymizeIP() bool {
	v, _ := strconv.ParseBool(t.model.get(FieldAnonymizeIP))
	return v
}

// SetSampleRate sets the percentage of clients whose hits are kept.
func (t *Tracker) SetSampleRate(rate float64) {
	t.usage.record(apiSetSampleRate)
	t.model.set(FieldSampleRate, strconv.FormatFloat(rate, 'f', -1, 64))
}

// SampleRate returns the sample rate, or 0 if it does not parse.
func (t *Tracker) SampleRate() float64 {
	v, _ := strconv.ParseFloat(t.model.get(FieldSampleRate), 64)
	return v
}

// SetUseSecure selects the secure collector endpoint.
func (t *Tracker) SetUseSecure(secure bool) {
	t.usage.record(apiSetUseSecure)
	t.model.set(FieldUseSecure, strconv.FormatBool(secure))
}

// UseSecure reports whether hits go to the secure endpoint.
func (t *Tracker) UseSecure() bool {
	v, _ := strconv.ParseBool(t.model.get(FieldUseSecure))
	return v
}

// SetReferrer sets the referrer for the next hit.
func (t *Tracker) SetReferrer(referrer string) {
	t.usage.record(apiSetReferrer)
	t.model.setNext(FieldReferrer, referrer)
}

// SetCampaign sets a campaign URL or query for the next hit.
func (t *Tracker) SetCampaign(campaign string) {
	t.usage.record(apiSetCampaign)
	t.model.setNext(FieldCampaign, campaign)
}

// SetCustomDimension sets custom dimension index (1-based) for the next
// hit. Indexes below 1 are ignored.
func (t *Tracker) SetCustomDimension(index int, value string) {
	if index < 1 {
		t.logger.Warn("custom dimension index must be > 0, ignoring", "index", index, "value", value)
		return
	}
	t.usage.record(apiSetCustomDimension)
	t.model.setNext(slotted(FieldCustomDim, index), value)
}

// SetCustomMetric sets custom metric index (1-based) for the next hit.
// Indexes below 1 are ignored.
func (t *Tracker) SetCustomMetric(index int, value int64) {
	if index < 1 {
		t.logger.Warn("custom metric index must be > 0, ignoring", "index", index, "value", value)
		return
	}
	t.usage.record(apiSetCustomMetric)
	t.model.setNext(slotted(FieldCustomMetric, index), strconv.FormatInt(value, 10))
}

// SetRateLimiting turns the tracker's token bucket on or off.
func (t *Tracker) SetRateLimiting(enabled bool) {
	t.limiter.SetEnabled(enabled)
}

// Close detaches the tracker. Later sends return ErrTrackerClosed.
func (t *Tracker) Close() {
	if t.closed.Swap(true) {
		return
	}
	t.usage.record(apiCloseTracker)
	t.handler.closeTracker(t)
}

func slotted(field string, index int) string {
	return fmt.Sprintf("%s%s%d", field, wire.SlotSeparator, index)
}

// timingMillis converts a duration to whole milliseconds for the wire.
func timingMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
