package tracker

import "sync"

// api identifies a public call recorded in the usage field.
type api int

const (
	apiGetTracker api = iota
	apiGetDefaultTracker
	apiSetAppOptOut
	apiRequestAppOptOut
	apiDispatch
	apiSetDispatchPeriod
	apiSetDryRun
	apiSet
	apiGet
	apiSend
	apiSetStartSession
	apiSetAppName
	apiSetAppVersion
	apiSetAppScreen
	apiSetAppID
	apiSetAppInstallerID
	apiSetAnonymizeIP
	apiSetSampleRate
	apiSetUseSecure
	apiSetReferrer
	apiSetCampaign
	apiSetCustomDimension
	apiSetCustomMetric
	apiSendView
	apiSendViewWithScreen
	apiSendEvent
	apiSendTransaction
	apiSendException
	apiSendTiming
	apiSendSocial
	apiCloseTracker
)

const usageAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// usage records which public calls ran since the last hit, in call order,
// one character per call. The sequence is attached to the next hit as
// the "usage" field and then cleared.
type usage struct {
	mu  sync.Mutex
	seq []byte
}

func (u *usage) record(a api) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.seq = append(u.seq, usageAlphabet[int(a)%len(usageAlphabet)])
}

func (u *usage) take() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := string(u.seq)
	u.seq = u.seq[:0]
	return s
}
