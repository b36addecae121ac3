package ippsrv

import (
	"github.com/OpenPrinting/goipp"
)

func (c *opContext) resourceFromRequest() (*Resource, error) {
	id := attrInt(c.req.Operation, "resource-id", 0)
	if id == 0 {
		return nil, ippErrorf(goipp.StatusErrorBadRequest, "resource-id required")
	}
	res, ok := c.sys.res.get(id)
	if !ok {
		return nil, errResourceNotFound
	}
	return res, nil
}

func (c *opContext) createResource() error {
	attrs := c.req.Resource
	name := attrString(attrs, "resource-name", "")
	if name == "" {
		name = attrString(c.req.Operation, "resource-name", "")
	}
	if name == "" {
		return ippErrorf(goipp.StatusErrorBadRequest, "resource-name required")
	}
	res, err := c.sys.res.create(
		name,
		attrString(attrs, "resource-info", ""),
		attrString(attrs, "resource-type", "static-other"),
		attrString(attrs, "resource-format", "application/octet-stream"),
		attrString(attrs, "resource-natural-language", ""),
	)
	if err != nil {
		return err
	}
	c.sys.addEvent(nil, nil, res, EvtResourceCreated, "Resource created.")
	var out goipp.Attributes
	a := adder(&out)
	a("resource-id", goipp.TagInteger, goipp.Integer(res.id))
	a("resource-state", goipp.TagEnum, goipp.Integer(res.state))
	c.addGroup(goipp.TagResourceGroup, out)
	return nil
}

func (c *opContext) sendResourceData() error {
	res, err := c.resourceFromRequest()
	if err != nil {
		return err
	}
	if c.body == nil {
		return ippErrorf(goipp.StatusErrorBadRequest, "resource data required")
	}
	if err := c.sys.res.writeData(res.id, c.body); err != nil {
		c.sys.addEvent(nil, nil, res, EvtResourceStateChanged, "Resource aborted.")
		return err
	}
	c.sys.addEvent(nil, nil, res, EvtResourceStateChanged, "Resource data stored.")
	var out goipp.Attributes
	a := adder(&out)
	a("resource-id", goipp.TagInteger, goipp.Integer(res.id))
	a("resource-state", goipp.TagEnum, goipp.Integer(ResAvailable))
	c.addGroup(goipp.TagResourceGroup, out)
	return nil
}

func (c *opContext) setResourceAttributes() error {
	res, err := c.resourceFromRequest()
	if err != nil {
		return err
	}
	changes := c.req.Resource.Clone()
	st := c.sys.res
	st.mu.Lock()
	for _, attr := range changes {
		if len(attr.Values) == 0 {
			continue
		}
		switch attr.Name {
		case "resource-info":
			res.info = attr.Values[0].V.String()
		case "resource-name":
			res.name = attr.Values[0].V.String()
		default:
			c.unsupported.Add(goipp.MakeAttribute(attr.Name, goipp.TagNotSettable, goipp.Void{}))
		}
	}
	st.mu.Unlock()
	c.sys.addEvent(nil, nil, res, EvtResourceConfigChanged, "Resource attributes changed.")
	return nil
}

func (c *opContext) installResource() error {
	res, err := c.resourceFromRequest()
	if err != nil {
		return err
	}
	if err := c.sys.res.install(res.id); err != nil {
		return err
	}
	c.sys.addEvent(nil, nil, res, EvtResourceInstalled|EvtResourceStateChanged, "Resource installed.")
	return nil
}

func (c *opContext) cancelResource() error {
	res, err := c.resourceFromRequest()
	if err != nil {
		return err
	}
	if err := c.sys.res.cancel(res.id); err != nil {
		return err
	}
	c.sys.addEvent(nil, nil, res, EvtResourceCanceled|EvtResourceStateChanged, "Resource canceled.")
	return nil
}

func (c *opContext) getResourceAttributes() error {
	res, err := c.resourceFromRequest()
	if err != nil {
		return err
	}
	requested := requestedAttributes(c.req.Operation)
	c.addGroup(goipp.TagResourceGroup, c.sys.res.describe(res, requested))
	return nil
}

func (c *opContext) getResources() error {
	requested := requestedAttributes(c.req.Operation)
	limit := attrInt(c.req.Operation, "limit", 0)
	wantTypes := attrKeywords(c.req.Operation, "resource-types")
	n := 0
	for _, res := range c.sys.res.all() {
		if limit > 0 && n >= limit {
			break
		}
		if len(wantTypes) > 0 && !contains(wantTypes, res.typ) {
			continue
		}
		c.addGroup(goipp.TagResourceGroup, c.sys.res.describe(res, requested))
		n++
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
