package ippsrv

import (
	"io"
	"log/slog"
	"strings"

	"github.com/OpenPrinting/goipp"
)

// opContext carries one IPP request through its operation handler and
// accumulates the response.
type opContext struct {
	sys *System
	p   *Printer // target printer, nil for system operations

	req  *goipp.Message
	body io.Reader // document data following the IPP message, if any

	username      string // authenticated user
	authenticated bool

	status      goipp.Status
	statusMsg   string
	opAttrs     goipp.Attributes // response operation attributes
	unsupported goipp.Attributes // unsupported-attributes group
	groups      goipp.Groups     // payload groups (job, printer, ...)

	// docFile is streamed after the IPP response (Fetch-Document).
	docFile string
}

// requester resolves the effective user name: the authenticated user wins,
// then requesting-user-name, then "anonymous".
func (c *opContext) requester() string {
	if c.username != "" {
		return c.username
	}
	if name := attrString(c.req.Operation, "requesting-user-name", ""); name != "" {
		return name
	}
	return "anonymous"
}

// isAdmin reports whether the requester may perform administrative
// operations. Without authentication configured everything is permitted,
// matching a development deployment.
func (c *opContext) isAdmin() bool {
	if !c.sys.cfg.Auth.Enabled {
		return true
	}
	return c.authenticated
}

// authorize enforces the operation's scope.
type authScope int

const (
	scopeAll authScope = iota
	scopeUser
	scopeOwner // enforced by the handler against the object owner
	scopeAdmin
	scopeProxy
)

func (c *opContext) authorize(scope authScope) error {
	if !c.sys.cfg.Auth.Enabled {
		return nil
	}
	switch scope {
	case scopeAll:
		return nil
	case scopeUser, scopeOwner:
		return nil // requesting-user-name suffices; owner checks are per object
	case scopeAdmin, scopeProxy:
		if !c.authenticated {
			return &ippError{status: goipp.StatusErrorNotAuthenticated, message: "authentication required"}
		}
		return nil
	}
	return nil
}

// checkOwner verifies owner-scoped access to an object.
func (c *opContext) checkOwner(owner string) error {
	if c.isAdmin() {
		return nil
	}
	if c.requester() != owner {
		return errNotAuthorized
	}
	return nil
}

type opHandler struct {
	scope   authScope
	printer bool // operation requires a printer target
	fn      func(*opContext) error
}

// operationHandlers is built once; the dispatcher consults it per request.
func (sys *System) operationHandlers() map[goipp.Op]opHandler {
	return map[goipp.Op]opHandler{
		// printer lifecycle
		goipp.OpGetPrinterAttributes:          {scopeAll, true, (*opContext).getPrinterAttributes},
		goipp.OpGetPrinterSupportedValues:     {scopeAdmin, true, (*opContext).getPrinterSupportedValues},
		goipp.OpSetPrinterAttributes:          {scopeAdmin, true, (*opContext).setPrinterAttributes},
		goipp.OpPausePrinter:                  {scopeAdmin, true, (*opContext).pausePrinter},
		goipp.OpPausePrinterAfterCurrentJob:   {scopeAdmin, true, (*opContext).pausePrinterAfterCurrentJob},
		goipp.OpResumePrinter:                 {scopeAdmin, true, (*opContext).resumePrinter},
		goipp.OpEnablePrinter:                 {scopeAdmin, true, (*opContext).enablePrinter},
		goipp.OpDisablePrinter:                {scopeAdmin, true, (*opContext).disablePrinter},
		goipp.OpHoldNewJobs:                   {scopeAdmin, true, (*opContext).holdNewJobs},
		goipp.OpReleaseHeldNewJobs:            {scopeAdmin, true, (*opContext).releaseHeldNewJobs},
		goipp.OpRestartPrinter:                {scopeAdmin, true, (*opContext).restartPrinter},
		goipp.OpShutdownPrinter:               {scopeAdmin, true, (*opContext).shutdownPrinter},
		goipp.OpStartupPrinter:                {scopeAdmin, true, (*opContext).startupPrinter},
		goipp.OpIdentifyPrinter:               {scopeAll, true, (*opContext).identifyPrinter},

		// job lifecycle
		goipp.OpValidateJob:      {scopeUser, true, (*opContext).validateJob},
		goipp.OpCreateJob:        {scopeUser, true, (*opContext).createJob},
		goipp.OpPrintJob:         {scopeUser, true, (*opContext).printJob},
		goipp.OpPrintURI:         {scopeUser, true, (*opContext).printURI},
		goipp.OpSendDocument:     {scopeUser, true, (*opContext).sendDocument},
		goipp.OpSendURI:          {scopeUser, true, (*opContext).sendURI},
		goipp.OpCancelJob:        {scopeOwner, true, (*opContext).cancelJob},
		goipp.OpCancelCurrentJob: {scopeAdmin, true, (*opContext).cancelCurrentJob},
		goipp.OpCancelMyJobs:     {scopeUser, true, (*opContext).cancelMyJobs},
		goipp.OpCancelJobs:       {scopeAdmin, true, (*opContext).cancelJobs},
		goipp.OpCloseJob:         {scopeOwner, true, (*opContext).closeJob},
		goipp.OpHoldJob:          {scopeOwner, true, (*opContext).holdJob},
		goipp.OpReleaseJob:       {scopeOwner, true, (*opContext).releaseJob},
		goipp.OpRestartJob:       {scopeOwner, true, (*opContext).restartJob},
		goipp.OpGetJobAttributes: {scopeAll, true, (*opContext).getJobAttributes},
		goipp.OpGetJobs:          {scopeAll, true, (*opContext).getJobs},
		goipp.OpSetJobAttributes: {scopeOwner, true, (*opContext).setJobAttributes},

		// documents
		goipp.OpGetDocumentAttributes: {scopeAll, true, (*opContext).getDocumentAttributes},
		goipp.OpGetDocuments:          {scopeAll, true, (*opContext).getDocuments},
		goipp.OpSetDocumentAttributes: {scopeOwner, true, (*opContext).setDocumentAttributes},
		goipp.OpCancelDocument:        {scopeOwner, true, (*opContext).cancelDocument},
		goipp.OpValidateDocument:      {scopeUser, true, (*opContext).validateDocument},

		// subscriptions
		goipp.OpCreatePrinterSubscriptions:  {scopeUser, true, (*opContext).createSubscriptions},
		goipp.OpCreateJobSubscriptions:      {scopeUser, true, (*opContext).createSubscriptions},
		goipp.OpCreateResourceSubscriptions: {scopeUser, false, (*opContext).createSubscriptions},
		goipp.OpCreateSystemSubscriptions:   {scopeUser, false, (*opContext).createSubscriptions},
		goipp.OpRenewSubscription:           {scopeOwner, false, (*opContext).renewSubscription},
		goipp.OpCancelSubscription:          {scopeOwner, false, (*opContext).cancelSubscription},
		goipp.OpGetSubscriptionAttributes:   {scopeAll, false, (*opContext).getSubscriptionAttributes},
		goipp.OpGetSubscriptions:            {scopeAll, false, (*opContext).getSubscriptions},
		goipp.OpGetNotifications:            {scopeAll, false, (*opContext).getNotifications},

		// system
		goipp.OpGetSystemAttributes:      {scopeAll, false, (*opContext).getSystemAttributes},
		goipp.OpGetSystemSupportedValues: {scopeAdmin, false, (*opContext).getSystemSupportedValues},
		goipp.OpSetSystemAttributes:      {scopeAdmin, false, (*opContext).setSystemAttributes},
		goipp.OpCreatePrinter:            {scopeAdmin, false, (*opContext).createPrinter},
		goipp.OpDeletePrinter:            {scopeAdmin, true, (*opContext).deletePrinter},
		goipp.OpGetPrinters:              {scopeAll, false, (*opContext).getPrinters},
		goipp.OpShutdownAllPrinters:      {scopeAdmin, false, (*opContext).shutdownAllPrinters},
		goipp.OpStartupAllPrinters:       {scopeAdmin, false, (*opContext).startupAllPrinters},
		goipp.OpPauseAllPrinters:         {scopeAdmin, false, (*opContext).pauseAllPrinters},
		goipp.OpPauseAllPrintersAfterCurrentJob: {scopeAdmin, false,
			(*opContext).pauseAllPrintersAfterCurrentJob},
		goipp.OpResumeAllPrinters:  {scopeAdmin, false, (*opContext).resumeAllPrinters},
		goipp.OpEnableAllPrinters:  {scopeAdmin, false, (*opContext).enableAllPrinters},
		goipp.OpDisableAllPrinters: {scopeAdmin, false, (*opContext).disableAllPrinters},
		goipp.OpRestartSystem:      {scopeAdmin, false, (*opContext).restartSystem},

		// resources
		goipp.OpCreateResource:        {scopeAdmin, false, (*opContext).createResource},
		goipp.OpSendResourceData:      {scopeAdmin, false, (*opContext).sendResourceData},
		goipp.OpSetResourceAttributes: {scopeAdmin, false, (*opContext).setResourceAttributes},
		goipp.OpInstallResource:       {scopeAdmin, false, (*opContext).installResource},
		goipp.OpCancelResource:        {scopeAdmin, false, (*opContext).cancelResource},
		goipp.OpGetResourceAttributes: {scopeAll, false, (*opContext).getResourceAttributes},
		goipp.OpGetResources:          {scopeAll, false, (*opContext).getResources},

		// proxy / output device
		goipp.OpRegisterOutputDevice:           {scopeProxy, true, (*opContext).registerOutputDevice},
		goipp.OpDeregisterOutputDevice:         {scopeProxy, true, (*opContext).deregisterOutputDevice},
		goipp.OpupdateOutputDeviceAttributes:   {scopeProxy, true, (*opContext).updateOutputDeviceAttributes},
		goipp.OpGetOutputDeviceAttributes:      {scopeAll, true, (*opContext).getOutputDeviceAttributes},
		goipp.OpFetchJob:                       {scopeProxy, true, (*opContext).fetchJob},
		goipp.OpFetchDocument:                  {scopeProxy, true, (*opContext).fetchDocument},
		goipp.OpUpdateJobStatus:                {scopeProxy, true, (*opContext).updateJobStatus},
		goipp.OpUpdateDocumentStatus:           {scopeProxy, true, (*opContext).updateDocumentStatus},
		goipp.OpAcknowledgeJob:                 {scopeProxy, true, (*opContext).acknowledgeJob},
		goipp.OpAcknowledgeDocument:            {scopeProxy, true, (*opContext).acknowledgeDocument},
		goipp.OpAcknowledgeIdentifyPrinter:     {scopeProxy, true, (*opContext).acknowledgeIdentifyPrinter},
		goipp.OpUpdateActiveJobs:               {scopeProxy, true, (*opContext).updateActiveJobs},
	}
}

// validateTriplet enforces the required operation attribute ordering:
// attributes-charset, attributes-natural-language, then the target URI.
func validateTriplet(op goipp.Attributes) error {
	if len(op) < 2 {
		return ippErrorf(goipp.StatusErrorBadRequest, "missing required operation attributes")
	}
	if op[0].Name != "attributes-charset" {
		return ippErrorf(goipp.StatusErrorBadRequest, "attributes-charset must be first")
	}
	if op[1].Name != "attributes-natural-language" {
		return ippErrorf(goipp.StatusErrorBadRequest, "attributes-natural-language must be second")
	}
	// The target URI follows; the dispatcher rejects targeted operations
	// it cannot resolve a printer for.
	return nil
}

// dispatch runs one decoded IPP request and returns the response message
// plus the path of a spool file to stream after it (Fetch-Document).
func (sys *System) dispatch(req *goipp.Message, p *Printer, body io.Reader, username string, authenticated bool) (*goipp.Message, string) {
	c := &opContext{
		sys:           sys,
		p:             p,
		req:           req,
		body:          body,
		username:      username,
		authenticated: authenticated,
		status:        goipp.StatusOk,
	}

	op := goipp.Op(req.Code)
	lg := slog.With("op", op.String(), "request_id", req.RequestID)

	err := func() error {
		if req.Version.Major() < 1 || req.Version.Major() > 2 {
			return &ippError{status: goipp.StatusErrorVersionNotSupported, message: req.Version.String()}
		}
		if err := validateTriplet(req.Operation); err != nil {
			return err
		}
		h, ok := sys.handlers[op]
		if !ok {
			return &ippError{status: goipp.StatusErrorOperationNotSupported, message: op.String()}
		}
		if h.printer && c.p == nil {
			// Resolve from printer-uri when the HTTP path was /ipp/system.
			uri := attrString(req.Operation, "printer-uri", "")
			if prn, ok := sys.printerForURI(uri); ok {
				c.p = prn
			} else {
				return errPrinterNotFound
			}
		}
		if err := c.authorize(h.scope); err != nil {
			return err
		}
		return h.fn(c)
	}()
	if err != nil {
		c.status, c.statusMsg = statusOf(err)
		lg.Debug("operation failed", "status", c.status.String(), "error", err)
	}

	return c.response(), c.docFile
}

// response assembles the final IPP message from the context.
func (c *opContext) response() *goipp.Message {
	var op goipp.Attributes
	a := adder(&op)
	a("attributes-charset", goipp.TagCharset, ippUTF8)
	a("attributes-natural-language", goipp.TagLanguage, ippENUS)
	if c.statusMsg != "" {
		a("status-message", goipp.TagText, goipp.String(c.statusMsg))
	}
	op = append(op, c.opAttrs...)

	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: op}}
	if len(c.unsupported) > 0 {
		groups = append(groups, goipp.Group{Tag: goipp.TagUnsupportedGroup, Attrs: c.unsupported})
		if c.status == goipp.StatusOk {
			c.status = goipp.StatusOkIgnoredOrSubstituted
		}
	}
	groups = append(groups, c.groups...)

	return &goipp.Message{
		Version:   goipp.DefaultVersion,
		Code:      goipp.Code(c.status),
		RequestID: c.req.RequestID,
		Groups:    groups,
	}
}

// addGroup appends a payload group to the response.
func (c *opContext) addGroup(tag goipp.Tag, attrs goipp.Attributes) {
	c.groups = append(c.groups, goipp.Group{Tag: tag, Attrs: attrs})
}

// printerForURI resolves a printer-uri value to a registered printer.
func (sys *System) printerForURI(uri string) (*Printer, bool) {
	if uri == "" {
		return nil, false
	}
	path := uri
	if i := strings.Index(uri, "://"); i >= 0 {
		rest := uri[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			path = rest[j:]
		} else {
			path = "/"
		}
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimSuffix(path, "/")
	return sys.Printer(path)
}
