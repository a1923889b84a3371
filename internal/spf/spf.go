// Package spf implements SPF (Sender Policy Framework) lookup and
// evaluation, per RFC 7208.
//
// Supported: "all", "include", "a", "mx", "ip4", "ip6", "redirect".
// Not supported (evaluate to Neutral): "exists", "ptr", "exp", macros.
package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"blitiri.com.ar/go/zetian/internal/resolver"
)

// Result is the outcome of an SPF evaluation. Values carry meaning: they
// are used verbatim in Authentication-Results/Received-SPF headers.
// https://tools.ietf.org/html/rfc7208#section-8
type Result string

const (
	None      = Result("none")
	Neutral   = Result("neutral")
	Pass      = Result("pass")
	Fail      = Result("fail")
	SoftFail  = Result("softfail")
	TempError = Result("temperror")
	PermError = Result("permerror")
)

// QualToResult maps an SPF mechanism qualifier to the Result it yields.
var QualToResult = map[byte]Result{
	'+': Pass,
	'-': Fail,
	'~': SoftFail,
	'?': Neutral,
}

// maxLookups bounds recursive "include"/"redirect"/"a"/"mx" resolution,
// per https://tools.ietf.org/html/rfc7208#section-4.6.4.
const maxLookups = 10

// CheckHost evaluates whether ip is authorized to send mail as domain,
// per https://tools.ietf.org/html/rfc7208#section-4.
func CheckHost(ctx context.Context, res resolver.Resolver, ip net.IP, domain string) (Result, error) {
	c := &checker{ctx: ctx, res: res, ip: ip}
	return c.check(domain)
}

type checker struct {
	ctx   context.Context
	res   resolver.Resolver
	ip    net.IP
	count uint
}

func (c *checker) check(domain string) (Result, error) {
	if c.count > maxLookups {
		return PermError, fmt.Errorf("lookup limit reached")
	}
	c.count++

	txt, err := c.getRecord(domain)
	if err != nil {
		if isTemporary(err) {
			return TempError, err
		}
		return None, err
	}
	if txt == "" {
		return None, nil
	}

	fields := strings.Fields(txt)

	// Redirects must be handled after everything else.
	var ordered, redirects []string
	for _, f := range fields {
		if strings.HasPrefix(f, "redirect=") {
			redirects = append(redirects, f)
		} else {
			ordered = append(ordered, f)
		}
	}
	fields = append(ordered, redirects...)

	for _, field := range fields {
		if strings.HasPrefix(field, "v=") {
			continue
		}
		if c.count > maxLookups {
			return PermError, fmt.Errorf("lookup limit reached")
		}
		if strings.Contains(field, "%") {
			return Neutral, fmt.Errorf("macros not supported")
		}

		result, ok := QualToResult[field[0]]
		if ok {
			field = field[1:]
		} else {
			result = Pass
		}

		switch {
		case field == "all":
			return result, fmt.Errorf("matched 'all'")
		case strings.HasPrefix(field, "include:"):
			if done, res, err := c.includeField(result, field); done {
				return res, err
			}
		case strings.HasPrefix(field, "a"):
			if done, res, err := c.aField(result, field, domain); done {
				return res, err
			}
		case strings.HasPrefix(field, "mx"):
			if done, res, err := c.mxField(result, field, domain); done {
				return res, err
			}
		case strings.HasPrefix(field, "ip4:"), strings.HasPrefix(field, "ip6:"):
			if done, res, err := c.ipField(result, field); done {
				return res, err
			}
		case strings.HasPrefix(field, "exists"):
			return Neutral, fmt.Errorf("'exists' not supported")
		case strings.HasPrefix(field, "ptr"):
			return Neutral, fmt.Errorf("'ptr' not supported")
		case strings.HasPrefix(field, "exp="):
			return Neutral, fmt.Errorf("'exp' not supported")
		case strings.HasPrefix(field, "redirect="):
			result, err := c.check(field[len("redirect="):])
			if result == None {
				result = PermError
			}
			return result, err
		default:
			return PermError, fmt.Errorf("unknown field %q", field)
		}
	}

	// Reached the end without a definite result.
	// https://tools.ietf.org/html/rfc7208#section-4.7
	return Neutral, nil
}

// getRecord fetches the v=spf1 TXT record for domain, if any. At most
// one SPF record is valid per domain.
func (c *checker) getRecord(domain string) (string, error) {
	txts, err := c.res.LookupTXT(c.ctx, domain)
	if err != nil {
		return "", err
	}

	for _, txt := range txts {
		if strings.HasPrefix(txt, "v=spf1 ") || txt == "v=spf1" {
			return txt, nil
		}
	}
	return "", nil
}

func isTemporary(err error) bool {
	return errors.Is(err, resolver.ErrTemporary)
}

func (c *checker) ipField(res Result, field string) (bool, Result, error) {
	fip := field[4:]
	if strings.Contains(fip, "/") {
		_, ipnet, err := net.ParseCIDR(fip)
		if err != nil {
			return true, PermError, err
		}
		if ipnet.Contains(c.ip) {
			return true, res, fmt.Errorf("matched %v", ipnet)
		}
	} else {
		ip := net.ParseIP(fip)
		if ip == nil {
			return true, PermError, fmt.Errorf("invalid ipX value")
		}
		if ip.Equal(c.ip) {
			return true, res, fmt.Errorf("matched %v", ip)
		}
	}
	return false, "", nil
}

func (c *checker) includeField(res Result, field string) (bool, Result, error) {
	incdomain := field[len("include:"):]
	ir, err := c.check(incdomain)
	switch ir {
	case Pass:
		return true, res, err
	case Fail, SoftFail, Neutral:
		return false, ir, err
	case TempError:
		return true, TempError, err
	case PermError, None:
		return true, PermError, err
	}
	return false, "", fmt.Errorf("unreachable include result %v", ir)
}

func ipMatch(ip, tomatch net.IP, mask int) (bool, error) {
	if mask >= 0 {
		_, ipnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", tomatch.String(), mask))
		if err != nil {
			return false, err
		}
		if ipnet.Contains(ip) {
			return true, fmt.Errorf("%v", ipnet)
		}
		return false, nil
	}
	if ip.Equal(tomatch) {
		return true, fmt.Errorf("%v", tomatch)
	}
	return false, nil
}

var aRegexp = regexp.MustCompile("a(:([^/]+))?(/(.+))?")
var mxRegexp = regexp.MustCompile("mx(:([^/]+))?(/(.+))?")

func domainAndMask(re *regexp.Regexp, field, domain string) (string, int, error) {
	var err error
	mask := -1
	if groups := re.FindStringSubmatch(field); groups != nil {
		if groups[2] != "" {
			domain = groups[2]
		}
		if groups[4] != "" {
			mask, err = strconv.Atoi(groups[4])
			if err != nil {
				return "", -1, fmt.Errorf("error parsing mask")
			}
		}
	}
	return domain, mask, nil
}

func (c *checker) aField(res Result, field, domain string) (bool, Result, error) {
	domain, mask, err := domainAndMask(aRegexp, field, domain)
	if err != nil {
		return true, PermError, err
	}

	c.count++
	ips, err := c.res.LookupIP(c.ctx, domain)
	if err != nil {
		if isTemporary(err) {
			return true, TempError, err
		}
		return false, "", err
	}
	for _, ip := range ips {
		if ok, err := ipMatch(c.ip, ip, mask); ok {
			return true, res, fmt.Errorf("matched 'a' (%v)", err)
		} else if err != nil {
			return true, PermError, err
		}
	}
	return false, "", nil
}

func (c *checker) mxField(res Result, field, domain string) (bool, Result, error) {
	domain, mask, err := domainAndMask(mxRegexp, field, domain)
	if err != nil {
		return true, PermError, err
	}

	c.count++
	mxs, err := c.res.LookupMX(c.ctx, domain)
	if err != nil {
		if isTemporary(err) {
			return true, TempError, err
		}
		return false, "", err
	}

	var mxips []net.IP
	for _, mx := range mxs {
		c.count++
		ips, err := c.res.LookupIP(c.ctx, mx.Host)
		if err != nil {
			if isTemporary(err) {
				return true, TempError, err
			}
			return false, "", err
		}
		mxips = append(mxips, ips...)
	}
	for _, ip := range mxips {
		if ok, err := ipMatch(c.ip, ip, mask); ok {
			return true, res, fmt.Errorf("matched 'mx' (%v)", err)
		} else if err != nil {
			return true, PermError, err
		}
	}
	return false, "", nil
}
