package lti

import (
	"encoding/xml"
	"net/url"
)

type property struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type options struct {
	Name       string     `xml:"name,attr"`
	Properties []property `xml:"lticm:property"`
}

type extensions struct {
	Platform   string     `xml:"platform,attr"`
	Properties []property `xml:"lticm:property"`
	Options    []options  `xml:"lticm:options"`
}

type cartridge struct {
	XMLName        xml.Name   `xml:"cartridge_basiclti_link"`
	XMLNS          string     `xml:"xmlns,attr"`
	XMLNSBLTI      string     `xml:"xmlns:blti,attr"`
	XMLNSLTICM     string     `xml:"xmlns:lticm,attr"`
	XMLNSLTICP     string     `xml:"xmlns:lticp,attr"`
	XMLNSXSI       string     `xml:"xmlns:xsi,attr"`
	SchemaLocation string     `xml:"xsi:schemaLocation,attr"`
	Title          string     `xml:"blti:title"`
	Description    string     `xml:"blti:description"`
	LaunchURL      string     `xml:"blti:launch_url"`
	Extensions     extensions `xml:"blti:extensions"`
}

// ConfigXML renders the Canvas "paste XML" tool configuration with a
// course navigation placement.
func (s *Service) ConfigXML() ([]byte, error) {
	domain := s.Opts.PublicURL
	if u, err := url.Parse(s.Opts.PublicURL); err == nil && u.Host != "" {
		domain = u.Hostname()
	}
	c := cartridge{
		XMLNS:      "http://www.imsglobal.org/xsd/imslticc_v1p0",
		XMLNSBLTI:  "http://www.imsglobal.org/xsd/imsbasiclti_v1p0",
		XMLNSLTICM: "http://www.imsglobal.org/xsd/imslticm_v1p0",
		XMLNSLTICP: "http://www.imsglobal.org/xsd/imslticp_v1p0",
		XMLNSXSI:   "http://www.w3.org/2001/XMLSchema-instance",
		SchemaLocation: "http://www.imsglobal.org/xsd/imslticc_v1p0 http://www.imsglobal.org/xsd/lti/ltiv1p0/imslticc_v1p0.xsd " +
			"http://www.imsglobal.org/xsd/imsbasiclti_v1p0 http://www.imsglobal.org/xsd/lti/ltiv1p0/imsbasiclti_v1p0.xsd " +
			"http://www.imsglobal.org/xsd/imslticm_v1p0 http://www.imsglobal.org/xsd/lti/ltiv1p0/imslticm_v1p0.xsd " +
			"http://www.imsglobal.org/xsd/imslticp_v1p0 http://www.imsglobal.org/xsd/lti/ltiv1p0/imslticp_v1p0.xsd",
		Title:       s.Opts.Title,
		Description: s.Opts.Description,
		LaunchURL:   s.LaunchURL(),
		Extensions: extensions{
			Platform: "canvas.instructure.com",
			Properties: []property{
				{Name: "tool_id", Value: "livelearn"},
				{Name: "privacy_level", Value: "public"},
				{Name: "domain", Value: domain},
			},
			Options: []options{{
				Name: "course_navigation",
				Properties: []property{
					{Name: "url", Value: s.LaunchURL()},
					{Name: "text", Value: s.Opts.Title},
					{Name: "visibility", Value: "public"},
					{Name: "default", Value: "enabled"},
					{Name: "enabled", Value: "true"},
				},
			}},
		},
	}
	out, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
